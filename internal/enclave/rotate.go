package enclave

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/lockbox/internal/sealing"
)

// RotateKey re-splits custody during a transfer: the new scalar is
// old + t2 - x1 (mod n). x1 must be a nonzero canonical scalar and t2 a
// canonical scalar. The returned key replaces the old one atomically at the
// caller; the aggregate public key seen by outsiders does not move.
func (e *Engine) RotateKey(sealedKey *sealing.SealedBlob, x1, t2 []byte) (*GeneratedKey, error) {
	negX1, err := parseScalar(x1)
	if err != nil {
		return nil, fmt.Errorf("x1: %w", err)
	}
	defer negX1.Zero()
	if negX1.IsZero() {
		return nil, fmt.Errorf("x1: %w: zero", ErrInvalidScalar)
	}
	tweak, err := parseScalar(t2)
	if err != nil {
		return nil, fmt.Errorf("t2: %w", err)
	}
	defer tweak.Zero()

	old, err := e.unsealKeypair(sealedKey)
	if err != nil {
		return nil, err
	}
	defer old.zero()

	var k secp256k1.ModNScalar
	k.Set(&old.priv.Key)
	k.Add(tweak)
	negX1.Negate()
	k.Add(negX1)
	if k.IsZero() {
		return nil, fmt.Errorf("%w: rotated key is zero", ErrInvalidScalar)
	}

	kp := newKeypair(&k)
	k.Zero()
	defer kp.zero()

	return e.sealKeypair(kp)
}
