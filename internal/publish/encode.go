package publish

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingCBOR:
		return EncodingCBOR, nil
	}
	return "", fmt.Errorf("unknown encoding %q", s)
}

// ContentType returns the media type for enc.
func (e Encoding) ContentType() string {
	if e == EncodingCBOR {
		return ContentTypeCBOR
	}
	return ContentTypeJSON
}

// Encode serializes v; CBOR uses the same field names as JSON.
func Encode(v any, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingCBOR:
		return cbor.Marshal(v)
	default:
		return json.Marshal(v)
	}
}

// Negotiate picks the response encoding from an Accept header value.
func Negotiate(accept string) Encoding {
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch strings.ToLower(mt) {
		case ContentTypeCBOR:
			return EncodingCBOR
		case ContentTypeJSON:
			return EncodingJSON
		}
	}
	return EncodingJSON
}
