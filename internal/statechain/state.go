package statechain

import "github.com/klingon-exchange/lockbox/internal/storage"

// State is the position of a statechain in the signing lifecycle.
type State string

const (
	// StateUninitialized means no key share exists.
	StateUninitialized State = "uninitialized"
	// StateKeyReady means a key share exists with no nonce outstanding and
	// no signature under the current key.
	StateKeyReady State = "key_ready"
	// StateNonceReady means an unconsumed nonce for the current key exists.
	StateNonceReady State = "nonce_ready"
	// StateSigned means the last nonce was consumed by a signature under
	// the current key.
	StateSigned State = "signed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Status is the public view of one statechain.
type Status struct {
	StatechainID   string
	State          State
	PublicKey      []byte
	PublicNonce    []byte
	KeyVersion     int64
	SignatureCount int64
}

// stateOf derives the lifecycle state from a stored record. A nonce left
// over from an earlier key version does not count as ready.
func stateOf(rec *storage.KeyRecord) State {
	switch {
	case rec == nil:
		return StateUninitialized
	case rec.HasNonce && rec.NonceKeyVersion == rec.KeyVersion:
		return StateNonceReady
	case rec.SignatureCount > 0 && rec.SignedKeyVersion == rec.KeyVersion:
		return StateSigned
	default:
		return StateKeyReady
	}
}
