package enclave

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// keypairSize is the sealed keypair encoding: scalar(32) || compressed point(33).
const keypairSize = ScalarSize + PubKeySize

// keypair is an unsealed server key share. It lives only inside one call.
type keypair struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
}

func newKeypair(k *secp256k1.ModNScalar) *keypair {
	priv := secp256k1.NewPrivateKey(k)
	return &keypair{priv: priv, pub: priv.PubKey()}
}

// encode serializes both halves so decode can restore them without
// recomputing the public point.
func (kp *keypair) encode() []byte {
	out := make([]byte, 0, keypairSize)
	scalar := kp.priv.Key.Bytes()
	out = append(out, scalar[:]...)
	wipe(scalar[:])
	return append(out, kp.pub.SerializeCompressed()...)
}

func (kp *keypair) zero() {
	if kp != nil && kp.priv != nil {
		kp.priv.Zero()
	}
}

func decodeKeypair(b []byte) (*keypair, error) {
	if len(b) != keypairSize {
		return nil, fmt.Errorf("keypair encoding is %d bytes, want %d", len(b), keypairSize)
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(b[:ScalarSize]); overflow || k.IsZero() {
		return nil, ErrInvalidScalar
	}
	pub, err := btcec.ParsePubKey(b[ScalarSize:])
	if err != nil {
		return nil, fmt.Errorf("invalid public point: %w", err)
	}
	return &keypair{priv: secp256k1.NewPrivateKey(&k), pub: pub}, nil
}

// parseScalar decodes a 32-byte canonical scalar. Values at or above the
// curve order are rejected rather than reduced.
func parseScalar(b []byte) (*secp256k1.ModNScalar, error) {
	if len(b) != ScalarSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidScalar, ScalarSize, len(b))
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("%w: not below curve order", ErrInvalidScalar)
	}
	return &s, nil
}

// ParsePubNonce decodes a 66-byte public nonce into its two points.
func ParsePubNonce(b []byte) (r1, r2 *btcec.PublicKey, err error) {
	if len(b) != PubNonceSize {
		return nil, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonceEncoding, PubNonceSize, len(b))
	}
	r1, err = btcec.ParsePubKey(b[:PubKeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: first point: %v", ErrInvalidNonceEncoding, err)
	}
	r2, err = btcec.ParsePubKey(b[PubKeySize:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: second point: %v", ErrInvalidNonceEncoding, err)
	}
	return r1, r2, nil
}

// secNonce is an unsealed musig2 secret nonce: k1(32) || k2(32) || pubkey(33).
type secNonce [musig2.SecNonceSize]byte

func decodeSecNonce(b []byte) (*secNonce, error) {
	if len(b) != musig2.SecNonceSize {
		return nil, fmt.Errorf("secret nonce encoding is %d bytes, want %d", len(b), musig2.SecNonceSize)
	}
	var sn secNonce
	copy(sn[:], b)
	return &sn, nil
}

func (sn *secNonce) scalars() (k1, k2 secp256k1.ModNScalar, err error) {
	o1 := k1.SetByteSlice(sn[:32])
	o2 := k2.SetByteSlice(sn[32:64])
	if o1 || o2 || k1.IsZero() || k2.IsZero() {
		k1.Zero()
		k2.Zero()
		return k1, k2, fmt.Errorf("%w: secret nonce scalar out of range", ErrNonceUnseal)
	}
	return k1, k2, nil
}

func (sn *secNonce) boundTo(pub *btcec.PublicKey) bool {
	return bytes.Equal(sn[64:], pub.SerializeCompressed())
}

// pubNonce recomputes k1*G || k2*G.
func (sn *secNonce) pubNonce() ([PubNonceSize]byte, error) {
	var out [PubNonceSize]byte
	k1, k2, err := sn.scalars()
	if err != nil {
		return out, err
	}
	defer k1.Zero()
	defer k2.Zero()

	var r1, r2 secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k1, &r1)
	secp256k1.ScalarBaseMultNonConst(&k2, &r2)
	r1.ToAffine()
	r2.ToAffine()
	copy(out[:PubKeySize], secp256k1.NewPublicKey(&r1.X, &r1.Y).SerializeCompressed())
	copy(out[PubKeySize:], secp256k1.NewPublicKey(&r2.X, &r2.Y).SerializeCompressed())
	return out, nil
}

func (sn *secNonce) zero() {
	wipe(sn[:])
}
