package model

import (
	"bytes"
	"encoding/json"
	"strconv"
)

type HashAlgorithm string

const (
	HashHMACSHA256 HashAlgorithm = "hmac-sha256"
	HashBLAKE2b256 HashAlgorithm = "blake2b-256"
	HashBLAKE2s256 HashAlgorithm = "blake2s-256"
)

// BinaryConfig describes the wire layout. It must match the producing firmware exactly.
type BinaryConfig struct {
	TimestampLen int           `json:"timestamp_len" yaml:"timestamp_len"`
	DeviceIDLen  int           `json:"device_id_len" yaml:"device_id_len"`
	NonceLen     int           `json:"nonce_len" yaml:"nonce_len"`
	HashAlg      HashAlgorithm `json:"hash_alg" yaml:"hash_alg"`
	HashLen      int           `json:"hash_len" yaml:"hash_len"`
}

// FixedLen is the size of header, timestamp, device id and nonce together.
func (c BinaryConfig) FixedLen() int {
	return 1 + c.TimestampLen + c.DeviceIDLen + c.NonceLen
}

// MinPacketLen is the size of a packet carrying no TLV entries.
func (c BinaryConfig) MinPacketLen() int {
	return c.FixedLen() + c.HashLen
}

type TLVEntry struct {
	Type  uint8  `json:"type"`
	Value []byte `json:"value"`
}

func (e TLVEntry) Size() int {
	return 2 + len(e.Value)
}

type RawPacket struct {
	Header    uint8      `json:"header"`
	Timestamp uint64     `json:"timestamp"`
	DeviceID  uint64     `json:"device_id"`
	Nonce     uint64     `json:"nonce"`
	Entries   []TLVEntry `json:"entries"`
	Hash      []byte     `json:"hash"`
}

// Field is a decoded measurement. Raw keeps the TLV value bytes it came from.
type Field struct {
	Name   string
	TypeID uint8
	Value  float64
	Raw    []byte
}

// FieldSet maps field names to decoded values, keeping TLV order.
type FieldSet struct {
	order []Field
	index map[string]int
}

func NewFieldSet() *FieldSet {
	return &FieldSet{index: make(map[string]int)}
}

// Add appends f and reports false when the name is already present.
func (s *FieldSet) Add(f Field) bool {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, ok := s.index[f.Name]; ok {
		return false
	}
	s.index[f.Name] = len(s.order)
	s.order = append(s.order, f)
	return true
}

func (s *FieldSet) Get(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.order[i], true
}

func (s *FieldSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

func (s *FieldSet) Fields() []Field {
	if s == nil {
		return nil
	}
	out := make([]Field, len(s.order))
	copy(out, s.order)
	return out
}

func (s *FieldSet) Values() map[string]float64 {
	out := make(map[string]float64, s.Len())
	if s == nil {
		return out
	}
	for _, f := range s.order {
		out[f.Name] = f.Value
	}
	return out
}

func (s *FieldSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if s != nil {
		for i, f := range s.order {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, err := json.Marshal(f.Name)
			if err != nil {
				return nil, err
			}
			buf.Write(name)
			buf.WriteByte(':')
			buf.WriteString(strconv.FormatFloat(f.Value, 'f', -1, 64))
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CorePacket is the semantic packet the digest is computed over (Hash excluded).
type CorePacket struct {
	Header    uint8     `json:"header"`
	Timestamp uint64    `json:"timestamp"`
	DeviceID  uint64    `json:"device_id"`
	Nonce     uint64    `json:"nonce"`
	Fields    *FieldSet `json:"fields"`
	Hash      string    `json:"hash"`
}

type ProcessResult struct {
	CorePacket   CorePacket   `json:"core_packet"`
	VerifyResult VerifyResult `json:"verify_result"`
}
