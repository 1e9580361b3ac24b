package model

import "github.com/fxamacker/cbor/v2"

// MarshalCBOR encodes the set as a CBOR map in TLV order. The cbor package
// encodes Go maps in its own key order and has no ordered-map type, so only
// the map header is written here; keys and values go through cbor.Marshal.
func (s *FieldSet) MarshalCBOR() ([]byte, error) {
	if s == nil {
		return []byte{0xf6}, nil
	}
	buf := cborHead(nil, 5, uint64(len(s.order)))
	for _, f := range s.order {
		k, err := cbor.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := cbor.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, v...)
	}
	return buf, nil
}

// cborHead appends a CBOR initial byte and argument (RFC 8949 section 3).
func cborHead(buf []byte, major byte, n uint64) []byte {
	m := major << 5
	switch {
	case n < 24:
		return append(buf, m|byte(n))
	case n <= 0xff:
		return append(buf, m|24, byte(n))
	case n <= 0xffff:
		return append(buf, m|25, byte(n>>8), byte(n))
	case n <= 0xffffffff:
		return append(buf, m|26, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return append(buf, m|27, byte(n>>56), byte(n>>48), byte(n>>40), byte(n>>32), byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
