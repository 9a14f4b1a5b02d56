package codec

import (
	"fmt"
	"github.com/fxamacker/cbor/v2"
)

// NewCBORCodec creates a codec writing canonical CBOR.
func NewCBORCodec() ICodec {
	encOptions := cbor.EncOptions{Sort: cbor.SortCanonical}
	enc, err := encOptions.EncMode()
	if err != nil {
		// the options are static, this can only fail on a programming error
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}
	decOptions := cbor.DecOptions{}
	dec, err := decOptions.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
	return &cborCodecImpl{enc: enc, dec: dec}
}

// cborCodecImpl implements the ICodec interface using CBOR encoding
type cborCodecImpl struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.ICodec)
// --------------------------------------------------------------------------

func (c cborCodecImpl) Name() string {
	return "cbor"
}

func (c cborCodecImpl) Encode(records []Record) ([]byte, error) {
	return c.enc.Marshal(envelope{Version: fileVersion, Items: records})
}

func (c cborCodecImpl) Decode(b []byte) ([]Record, error) {
	var e envelope
	if err := c.dec.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e.open()
}
