package enclave

import (
	"bytes"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// sessionMagic tags a serialized session context.
var sessionMagic = [4]byte{0x9d, 0xed, 0xe9, 0x17}

// SessionContext is the coordinator-built aggregation state for one MuSig2
// signing round. The engine only parses it.
//
// Layout (133 bytes):
//
//	magic(4) | nonce parity(1) | final nonce x(32) | nonce coef b(32) |
//	challenge e(32) | tweak term(32)
type SessionContext struct {
	// NonceParity is set when the final nonce point R has an odd y coordinate.
	NonceParity bool
	// FinalNonceX is the x coordinate of R.
	FinalNonceX [32]byte
	// NonceCoef is b, the coefficient binding the second nonce.
	NonceCoef secp256k1.ModNScalar
	// Challenge is e = H(R.x || Q.x || msg).
	Challenge secp256k1.ModNScalar
	// TweakTerm is added to the aggregate signature by the coordinator.
	// Signers ignore it.
	TweakTerm secp256k1.ModNScalar
}

// ParseSessionContext decodes the 133-byte session context. It validates
// the layout only; the values are taken as supplied by the coordinator.
func ParseSessionContext(b []byte) (*SessionContext, error) {
	if len(b) != SessionContextSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSessionEncoding, SessionContextSize, len(b))
	}
	if !bytes.Equal(b[:4], sessionMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidSessionEncoding)
	}

	sc := &SessionContext{}
	switch b[4] {
	case 0:
	case 1:
		sc.NonceParity = true
	default:
		return nil, fmt.Errorf("%w: nonce parity byte %d", ErrInvalidSessionEncoding, b[4])
	}
	copy(sc.FinalNonceX[:], b[5:37])

	fields := []struct {
		name string
		dst  *secp256k1.ModNScalar
		src  []byte
	}{
		{"nonce coefficient", &sc.NonceCoef, b[37:69]},
		{"challenge", &sc.Challenge, b[69:101]},
		{"tweak term", &sc.TweakTerm, b[101:133]},
	}
	for _, f := range fields {
		if overflow := f.dst.SetByteSlice(f.src); overflow {
			return nil, fmt.Errorf("%w: %s not below curve order", ErrInvalidSessionEncoding, f.name)
		}
	}
	return sc, nil
}
