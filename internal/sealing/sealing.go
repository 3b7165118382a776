// Package sealing provides authenticated encryption of secret material at rest
// under a process-wide 32-byte seed.
//
// Sealing uses XChaCha20-Poly1305 with a fresh random 24-byte nonce per call
// and no associated data. Ciphertext length always equals plaintext length;
// the 16-byte Poly1305 tag is carried separately in the SealedBlob.
package sealing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sizes of the sealing primitives.
const (
	SeedSize  = chacha20poly1305.KeySize    // 32
	NonceSize = chacha20poly1305.NonceSizeX // 24
	TagSize   = chacha20poly1305.Overhead   // 16
)

// Sealing errors
var (
	ErrInvalidSeed     = errors.New("seed must be exactly 32 bytes")
	ErrRandomness      = errors.New("failed to obtain secure randomness")
	ErrAuthentication  = errors.New("sealed blob failed authentication")
	ErrMalformedBlob   = errors.New("malformed sealed blob")
	ErrUnsupportedBlob = errors.New("unsupported sealed blob version")
)

// Seed is the process-wide sealing key. It is read-only after construction
// and safe for concurrent use.
type Seed struct {
	key [SeedSize]byte
}

// NewSeed copies b into a Seed. b must be exactly SeedSize bytes.
func NewSeed(b []byte) (*Seed, error) {
	if len(b) != SeedSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSeed, len(b))
	}
	s := &Seed{}
	copy(s.key[:], b)
	return s, nil
}

// Wipe zeroes the seed. The seed must not be used afterwards.
func (s *Seed) Wipe() {
	for i := range s.key {
		s.key[i] = 0
	}
}

// String never reveals the key.
func (s *Seed) String() string {
	return "Seed(redacted)"
}

// SealedBlob is a secret encrypted under a Seed.
type SealedBlob struct {
	Ciphertext []byte
	Nonce      [NonceSize]byte
	Tag        [TagSize]byte
}

// Seal encrypts plaintext under seed with a fresh random nonce.
func Seal(seed *Seed, plaintext []byte) (*SealedBlob, error) {
	return sealWithRand(rand.Reader, seed, plaintext)
}

func sealWithRand(rng io.Reader, seed *Seed, plaintext []byte) (*SealedBlob, error) {
	if seed == nil {
		return nil, ErrInvalidSeed
	}
	aead, err := chacha20poly1305.NewX(seed.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	blob := &SealedBlob{}
	if _, err := io.ReadFull(rng, blob.Nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}

	sealed := aead.Seal(nil, blob.Nonce[:], plaintext, nil)
	n := len(sealed) - TagSize
	blob.Ciphertext = sealed[:n:n]
	copy(blob.Tag[:], sealed[n:])
	return blob, nil
}

// Unseal authenticates and decrypts blob. On any mismatch it returns
// ErrAuthentication and no plaintext.
func Unseal(seed *Seed, blob *SealedBlob) ([]byte, error) {
	if seed == nil {
		return nil, ErrInvalidSeed
	}
	if blob == nil {
		return nil, ErrMalformedBlob
	}
	aead, err := chacha20poly1305.NewX(seed.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+TagSize)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag[:]...)

	plaintext, err := aead.Open(nil, blob.Nonce[:], sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
