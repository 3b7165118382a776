package sealing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// blobVersion is bumped whenever the sealed encoding changes.
const blobVersion = 1

// rawSealedBlob is the on-disk form of a SealedBlob. Every field is a
// length-prefixed CBOR item, so lengths are checked on decode rather than
// assumed.
type rawSealedBlob struct {
	Version    uint8  `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	Tag        []byte `cbor:"3,keyasint"`
	Ciphertext []byte `cbor:"4,keyasint"`
}

// MarshalBinary encodes the blob for persistence.
func (b *SealedBlob) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(&rawSealedBlob{
		Version:    blobVersion,
		Nonce:      b.Nonce[:],
		Tag:        b.Tag[:],
		Ciphertext: b.Ciphertext,
	})
}

// UnmarshalBinary decodes a blob produced by MarshalBinary.
func (b *SealedBlob) UnmarshalBinary(data []byte) error {
	var raw rawSealedBlob
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if raw.Version != blobVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedBlob, raw.Version)
	}
	if len(raw.Nonce) != NonceSize {
		return fmt.Errorf("%w: nonce is %d bytes", ErrMalformedBlob, len(raw.Nonce))
	}
	if len(raw.Tag) != TagSize {
		return fmt.Errorf("%w: tag is %d bytes", ErrMalformedBlob, len(raw.Tag))
	}

	copy(b.Nonce[:], raw.Nonce)
	copy(b.Tag[:], raw.Tag)
	b.Ciphertext = append([]byte(nil), raw.Ciphertext...)
	return nil
}

// DecodeBlob is a convenience wrapper around UnmarshalBinary.
func DecodeBlob(data []byte) (*SealedBlob, error) {
	b := &SealedBlob{}
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return b, nil
}
