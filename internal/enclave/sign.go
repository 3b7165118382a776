package enclave

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/lockbox/internal/sealing"
	"github.com/klingon-exchange/lockbox/pkg/helpers"
)

// SignRequest carries the inputs of one blinded partial-signing call.
type SignRequest struct {
	SealedKey   *sealing.SealedBlob
	SealedNonce *sealing.SealedBlob

	// NegateSecKey is decided by the coordinator from the aggregate key's
	// parity. When set the share is produced with the negated scalar.
	NegateSecKey bool

	// SessionContext is the opaque 133-byte aggregation state.
	SessionContext []byte

	// PubNonce is the 66-byte public nonce the coordinator aggregated for
	// this signer. It must match the sealed secret nonce.
	PubNonce []byte
}

// Sign produces a 32-byte blinded MuSig2 partial signature.
//
// The share is s = k1 + b*k2 + e*d, with (k1, k2) negated when the final
// nonce has odd y and d negated when NegateSecKey is set. No key
// aggregation coefficient is applied. The sealed nonce must be discarded by
// the caller once Sign succeeds.
func (e *Engine) Sign(req *SignRequest) ([PartialSigSize]byte, error) {
	var out [PartialSigSize]byte
	if req == nil {
		return out, fmt.Errorf("sign request is required")
	}

	// Layout checks come first so malformed input never reaches unsealing.
	sc, err := ParseSessionContext(req.SessionContext)
	if err != nil {
		return out, err
	}
	if _, _, err := ParsePubNonce(req.PubNonce); err != nil {
		return out, err
	}

	kp, err := e.unsealKeypair(req.SealedKey)
	if err != nil {
		return out, err
	}
	defer kp.zero()

	sn, err := e.unsealSecNonce(req.SealedNonce)
	if err != nil {
		return out, err
	}
	defer sn.zero()

	if !sn.boundTo(kp.pub) {
		return out, ErrNonceKeyMismatch
	}
	expected, err := sn.pubNonce()
	if err != nil {
		return out, err
	}
	if !helpers.ConstantTimeCompare(expected[:], req.PubNonce) {
		return out, ErrNonceMismatch
	}

	s, err := blindedPartialSign(kp, sn, sc, req.NegateSecKey)
	if err != nil {
		return out, err
	}
	s.PutBytes(&out)
	s.Zero()
	return out, nil
}

func blindedPartialSign(kp *keypair, sn *secNonce, sc *SessionContext, negateSecKey bool) (*secp256k1.ModNScalar, error) {
	k1, k2, err := sn.scalars()
	if err != nil {
		return nil, err
	}
	defer k1.Zero()
	defer k2.Zero()

	if sc.NonceParity {
		k1.Negate()
		k2.Negate()
	}

	var d secp256k1.ModNScalar
	d.Set(&kp.priv.Key)
	defer d.Zero()
	if negateSecKey {
		d.Negate()
	}

	var s, ed secp256k1.ModNScalar
	s.Mul2(&sc.NonceCoef, &k2).Add(&k1)
	ed.Mul2(&sc.Challenge, &d)
	s.Add(&ed)
	ed.Zero()
	return &s, nil
}
