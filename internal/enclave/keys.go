package enclave

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/lockbox/internal/sealing"
)

// maxKeyCandidates bounds rejection sampling. A uniformly random 32-byte
// string is rejected with probability below 2^-127, so hitting this bound
// means the randomness source is broken.
const maxKeyCandidates = 128

// GeneratedKey is the output of GenerateKey.
type GeneratedKey struct {
	// PublicKey is the 33-byte compressed public point (not secret).
	PublicKey []byte
	// Sealed holds the keypair encoding sealed under the engine seed.
	Sealed *sealing.SealedBlob
}

// GenerateKey creates a fresh secp256k1 key share and seals it.
func (e *Engine) GenerateKey() (*GeneratedKey, error) {
	k, err := e.sampleScalar()
	if err != nil {
		return nil, err
	}
	kp := newKeypair(k)
	k.Zero()
	defer kp.zero()

	return e.sealKeypair(kp)
}

// sampleScalar draws 32-byte candidates until one is a valid private key.
func (e *Engine) sampleScalar() (*secp256k1.ModNScalar, error) {
	for i := 0; i < maxKeyCandidates; i++ {
		buf, err := e.randomBytes(ScalarSize)
		if err != nil {
			return nil, err
		}
		var k secp256k1.ModNScalar
		overflow := k.SetByteSlice(buf)
		wipe(buf)
		if overflow || k.IsZero() {
			k.Zero()
			continue
		}
		return &k, nil
	}
	return nil, fmt.Errorf("%w: no valid scalar after %d candidates", ErrRandomness, maxKeyCandidates)
}

func (e *Engine) sealKeypair(kp *keypair) (*GeneratedKey, error) {
	encoded := kp.encode()
	defer wipe(encoded)

	sealed, err := e.seal(encoded)
	if err != nil {
		return nil, err
	}
	return &GeneratedKey{
		PublicKey: kp.pub.SerializeCompressed(),
		Sealed:    sealed,
	}, nil
}

// unsealKeypair authenticates and decodes a sealed keypair.
func (e *Engine) unsealKeypair(blob *sealing.SealedBlob) (*keypair, error) {
	plaintext, err := sealing.Unseal(e.seed, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnseal, err)
	}
	defer wipe(plaintext)

	kp, err := decodeKeypair(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnseal, err)
	}
	return kp, nil
}

// PublicKeyOf unseals blob and returns its compressed public point.
func (e *Engine) PublicKeyOf(blob *sealing.SealedBlob) ([]byte, error) {
	kp, err := e.unsealKeypair(blob)
	if err != nil {
		return nil, err
	}
	defer kp.zero()
	return kp.pub.SerializeCompressed(), nil
}
