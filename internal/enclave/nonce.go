package enclave

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"

	"github.com/klingon-exchange/lockbox/internal/sealing"
)

// sessionIDSize is the size of the random session identifier fed into
// nonce derivation.
const sessionIDSize = 32

// GeneratedNonce is the output of GenerateNonce.
type GeneratedNonce struct {
	// PubNonce is the 66-byte public nonce (two compressed points).
	PubNonce [PubNonceSize]byte
	// Sealed holds the secret nonce sealed under the engine seed.
	Sealed *sealing.SealedBlob
}

// GenerateNonce derives a fresh MuSig2 nonce pair for the sealed keypair.
// Nothing is returned on failure, so callers never persist a partial record.
func (e *Engine) GenerateNonce(sealedKey *sealing.SealedBlob) (*GeneratedNonce, error) {
	kp, err := e.unsealKeypair(sealedKey)
	if err != nil {
		return nil, err
	}
	defer kp.zero()

	sessionID, err := e.randomBytes(sessionIDSize)
	if err != nil {
		return nil, err
	}
	defer wipe(sessionID)

	// The session id is the only randomness consumed; the secret key and
	// public key are mixed in as auxiliary inputs.
	nonces, err := musig2.GenNonces(
		musig2.WithPublicKey(kp.pub),
		musig2.WithNonceSecretKeyAux(kp.priv),
		musig2.WithCustomRand(bytes.NewReader(sessionID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to derive nonces: %w", err)
	}
	defer wipe(nonces.SecNonce[:])

	sealed, err := e.seal(nonces.SecNonce[:])
	if err != nil {
		return nil, err
	}
	return &GeneratedNonce{
		PubNonce: nonces.PubNonce,
		Sealed:   sealed,
	}, nil
}

// unsealSecNonce authenticates and decodes a sealed secret nonce.
func (e *Engine) unsealSecNonce(blob *sealing.SealedBlob) (*secNonce, error) {
	plaintext, err := sealing.Unseal(e.seed, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNonceUnseal, err)
	}
	defer wipe(plaintext)

	sn, err := decodeSecNonce(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNonceUnseal, err)
	}
	return sn, nil
}
