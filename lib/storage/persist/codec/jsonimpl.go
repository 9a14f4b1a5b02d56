package codec

import (
	"encoding/json"
	"fmt"
)

// NewJSONCodec creates a codec writing a json document.
// Keys and values are base64 encoded by encoding/json.
func NewJSONCodec() ICodec {
	return &jsonCodecImpl{}
}

// jsonCodecImpl implements the ICodec interface using json encoding
type jsonCodecImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.ICodec)
// --------------------------------------------------------------------------

func (j jsonCodecImpl) Name() string {
	return "json"
}

func (j jsonCodecImpl) Encode(records []Record) ([]byte, error) {
	return json.Marshal(envelope{Version: fileVersion, Items: records})
}

func (j jsonCodecImpl) Decode(b []byte) ([]Record, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e.open()
}
