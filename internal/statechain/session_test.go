package statechain

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/lockbox/internal/enclave"
)

var sessionMagic = []byte{0x9d, 0xed, 0xe9, 0x17}

// encodeSessionContext builds the 133-byte session context a coordinator
// sends for aggNonce, the untweaked aggregate key and msg.
func encodeSessionContext(aggNonce [enclave.PubNonceSize]byte, aggKey *btcec.PublicKey, msg [32]byte) ([]byte, error) {
	r1, r2, err := enclave.ParsePubNonce(aggNonce[:])
	if err != nil {
		return nil, err
	}
	if aggKey == nil {
		return nil, errors.New("aggregate key is required")
	}
	keyX := schnorr.SerializePubKey(aggKey)

	var b, e secp256k1.ModNScalar
	bHash := chainhash.TaggedHash([]byte("MuSig/noncecoef"), aggNonce[:], keyX, msg[:])
	b.SetByteSlice(bHash[:])

	var r1J, r2J, bR2, rJ secp256k1.JacobianPoint
	r1.AsJacobian(&r1J)
	r2.AsJacobian(&r2J)
	secp256k1.ScalarMultNonConst(&b, &r2J, &bR2)
	secp256k1.AddNonConst(&r1J, &bR2, &rJ)
	if (rJ.X.IsZero() && rJ.Y.IsZero()) || rJ.Z.IsZero() {
		var one secp256k1.ModNScalar
		one.SetInt(1)
		secp256k1.ScalarBaseMultNonConst(&one, &rJ)
	}
	rJ.ToAffine()
	rx := rJ.X.Bytes()

	eHash := chainhash.TaggedHash([]byte("BIP0340/challenge"), rx[:], keyX, msg[:])
	e.SetByteSlice(eHash[:])

	out := make([]byte, enclave.SessionContextSize)
	copy(out[:4], sessionMagic)
	if rJ.Y.IsOdd() {
		out[4] = 1
	}
	copy(out[5:37], rx[:])
	b.PutBytesUnchecked(out[37:69])
	e.PutBytesUnchecked(out[69:101])
	return out, nil
}

// emptySessionContext is a well-formed context with all scalars zero.
func emptySessionContext() []byte {
	out := make([]byte, enclave.SessionContextSize)
	copy(out, sessionMagic)
	return out
}
