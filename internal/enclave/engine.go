// Package enclave implements the sealed-key cryptographic engine: key
// generation, MuSig2 nonce generation, blinded partial signing and key
// rotation over secp256k1.
//
// Private key material exists unsealed only for the duration of a single
// Engine call. Between calls it is held exclusively as sealing.SealedBlob
// values that the caller persists. The Engine holds no mutable state and is
// safe for concurrent use; callers must serialize calls that act on the same
// sealed records.
package enclave

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/klingon-exchange/lockbox/internal/sealing"
)

// Wire sizes.
const (
	PubKeySize         = 33
	PubNonceSize       = 66
	PartialSigSize     = 32
	ScalarSize         = 32
	SessionContextSize = 133
)

// Engine errors
var (
	ErrNilSeed                = errors.New("engine requires a seed")
	ErrRandomness             = errors.New("failed to obtain secure randomness")
	ErrInvalidScalar          = errors.New("invalid curve scalar")
	ErrKeyUnseal              = errors.New("failed to unseal keypair")
	ErrNonceUnseal            = errors.New("failed to unseal secret nonce")
	ErrInvalidNonceEncoding   = errors.New("invalid public nonce encoding")
	ErrInvalidSessionEncoding = errors.New("invalid session context encoding")
	ErrNonceKeyMismatch       = errors.New("secret nonce was generated for a different key")
	ErrNonceMismatch          = errors.New("public nonce does not match secret nonce")
	ErrSeal                   = errors.New("failed to seal secret")
)

// Engine runs ceremonies under one seed.
type Engine struct {
	seed *sealing.Seed
	rng  io.Reader
}

// New creates an Engine bound to seed.
func New(seed *sealing.Seed) (*Engine, error) {
	return newWithRand(seed, rand.Reader)
}

func newWithRand(seed *sealing.Seed, rng io.Reader) (*Engine, error) {
	if seed == nil {
		return nil, ErrNilSeed
	}
	return &Engine{seed: seed, rng: rng}, nil
}

// randomBytes fills a fresh n-byte buffer from the engine's CSPRNG.
func (e *Engine) randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(e.rng, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	return buf, nil
}

func (e *Engine) seal(plaintext []byte) (*sealing.SealedBlob, error) {
	blob, err := sealing.Seal(e.seed, plaintext)
	if err != nil {
		if errors.Is(err, sealing.ErrRandomness) {
			return nil, fmt.Errorf("%w: %v", ErrRandomness, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	return blob, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
