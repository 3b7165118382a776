package enclave

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Coordinator-side helpers. Production code never builds session contexts.

// Tagged-hash tags from BIP-327 and BIP-340.
var (
	nonceCoefTag = []byte("MuSig/noncecoef")
	challengeTag = []byte("BIP0340/challenge")
)

// encode serializes the session context to its 133-byte form.
func (sc *SessionContext) encode() [SessionContextSize]byte {
	var out [SessionContextSize]byte
	copy(out[:4], sessionMagic[:])
	if sc.NonceParity {
		out[4] = 1
	}
	copy(out[5:37], sc.FinalNonceX[:])
	sc.NonceCoef.PutBytesUnchecked(out[37:69])
	sc.Challenge.PutBytesUnchecked(out[69:101])
	sc.TweakTerm.PutBytesUnchecked(out[101:133])
	return out
}

// buildSessionContext builds a session context the way a coordinator does:
// from the aggregate public nonce, the final aggregate key and the 32-byte
// message. No tweaks are applied to the aggregate key.
func buildSessionContext(aggNonce [PubNonceSize]byte, aggKey *btcec.PublicKey, msg [32]byte) (*SessionContext, error) {
	r1, r2, err := ParsePubNonce(aggNonce[:])
	if err != nil {
		return nil, err
	}
	if aggKey == nil {
		return nil, fmt.Errorf("aggregate key is required")
	}
	keyX := schnorr.SerializePubKey(aggKey)

	bHash := chainhash.TaggedHash(nonceCoefTag, aggNonce[:], keyX, msg[:])
	sc := &SessionContext{}
	sc.NonceCoef.SetByteSlice(bHash[:])

	// R = R1 + b*R2, falling back to G if the sum is the point at infinity.
	var r1J, r2J, bR2, rJ secp256k1.JacobianPoint
	r1.AsJacobian(&r1J)
	r2.AsJacobian(&r2J)
	secp256k1.ScalarMultNonConst(&sc.NonceCoef, &r2J, &bR2)
	secp256k1.AddNonConst(&r1J, &bR2, &rJ)
	if (rJ.X.IsZero() && rJ.Y.IsZero()) || rJ.Z.IsZero() {
		var one secp256k1.ModNScalar
		one.SetInt(1)
		secp256k1.ScalarBaseMultNonConst(&one, &rJ)
	}
	rJ.ToAffine()

	sc.NonceParity = rJ.Y.IsOdd()
	copy(sc.FinalNonceX[:], rJ.X.Bytes()[:])

	eHash := chainhash.TaggedHash(challengeTag, sc.FinalNonceX[:], keyX, msg[:])
	sc.Challenge.SetByteSlice(eHash[:])
	return sc, nil
}

// finalNonce returns R as an even-y point, the form used in the final signature.
func (sc *SessionContext) finalNonce() (*btcec.PublicKey, error) {
	return schnorr.ParsePubKey(sc.FinalNonceX[:])
}
