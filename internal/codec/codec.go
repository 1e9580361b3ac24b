// Package codec reads and writes the fixed-header + TLV telemetry wire format.
//
// Layout, all integers big-endian and unsigned:
//
//	[header:1][timestamp:N][device_id:N][nonce:N][(type:1)(length:1)(value:length)]*[hash:hash_len]
package codec

import (
	"encoding/hex"
	"fmt"
	"strings"

	"telemetrygate/internal/model"
)

const (
	tlvHeaderSize = 2
	maxTLVValue   = 0xFF
	maxIntWidth   = 8
)

// ValidateConfig checks that every width in cfg can be represented.
func ValidateConfig(cfg model.BinaryConfig) error {
	widths := []struct {
		name string
		n    int
	}{
		{"timestamp_len", cfg.TimestampLen},
		{"device_id_len", cfg.DeviceIDLen},
		{"nonce_len", cfg.NonceLen},
	}
	for _, w := range widths {
		if w.n < 1 || w.n > maxIntWidth {
			return fmt.Errorf("%w: %s must be between 1 and %d, got %d", model.ErrConfigMismatch, w.name, maxIntWidth, w.n)
		}
	}
	if cfg.HashLen < 1 {
		return fmt.Errorf("%w: hash_len must be positive, got %d", model.ErrConfigMismatch, cfg.HashLen)
	}
	return nil
}

func Decode(buf []byte, cfg model.BinaryConfig) (model.RawPacket, error) {
	var pkt model.RawPacket
	if err := ValidateConfig(cfg); err != nil {
		return pkt, err
	}
	if len(buf) < cfg.MinPacketLen() {
		return pkt, malformed("packet is %d bytes, minimum is %d", len(buf), cfg.MinPacketLen())
	}

	off := 0
	pkt.Header = buf[off]
	off++
	pkt.Timestamp = readUint(buf[off : off+cfg.TimestampLen])
	off += cfg.TimestampLen
	pkt.DeviceID = readUint(buf[off : off+cfg.DeviceIDLen])
	off += cfg.DeviceIDLen
	pkt.Nonce = readUint(buf[off : off+cfg.NonceLen])
	off += cfg.NonceLen

	end := len(buf) - cfg.HashLen
	for off < end {
		if end-off < tlvHeaderSize {
			return model.RawPacket{}, malformed("truncated TLV header at offset %d", off)
		}
		typ := buf[off]
		n := int(buf[off+1])
		off += tlvHeaderSize
		if n > end-off {
			return model.RawPacket{}, malformed("TLV type 0x%02X at offset %d declares %d bytes, %d remain", typ, off-tlvHeaderSize, n, end-off)
		}
		value := make([]byte, n)
		copy(value, buf[off:off+n])
		pkt.Entries = append(pkt.Entries, model.TLVEntry{Type: typ, Value: value})
		off += n
	}

	pkt.Hash = make([]byte, cfg.HashLen)
	copy(pkt.Hash, buf[end:])
	return pkt, nil
}

// DecodeHex accepts an optional 0x prefix and surrounding whitespace.
func DecodeHex(s string, cfg model.BinaryConfig) (model.RawPacket, error) {
	buf, err := ParseHex(s)
	if err != nil {
		return model.RawPacket{}, err
	}
	return Decode(buf, cfg)
}

func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, malformed("bad hex: %v", err)
	}
	return buf, nil
}

func Encode(pkt model.RawPacket, cfg model.BinaryConfig) ([]byte, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if len(pkt.Hash) != cfg.HashLen {
		return nil, fmt.Errorf("encode: hash is %d bytes, config wants %d", len(pkt.Hash), cfg.HashLen)
	}
	out, err := EncodeBody(pkt, cfg)
	if err != nil {
		return nil, err
	}
	return append(out, pkt.Hash...), nil
}

// EncodeBody writes everything but the trailing hash.
func EncodeBody(pkt model.RawPacket, cfg model.BinaryConfig) ([]byte, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := bodyError(pkt, cfg); err != nil {
		return nil, err
	}
	size := cfg.FixedLen()
	for _, e := range pkt.Entries {
		size += e.Size()
	}
	out := make([]byte, 0, size+cfg.HashLen)
	out = append(out, pkt.Header)
	out = appendUint(out, pkt.Timestamp, cfg.TimestampLen)
	out = appendUint(out, pkt.DeviceID, cfg.DeviceIDLen)
	out = appendUint(out, pkt.Nonce, cfg.NonceLen)
	for _, e := range pkt.Entries {
		out = append(out, e.Type, byte(len(e.Value)))
		out = append(out, e.Value...)
	}
	return out, nil
}

func bodyError(pkt model.RawPacket, cfg model.BinaryConfig) error {
	if !fits(pkt.Timestamp, cfg.TimestampLen) {
		return fmt.Errorf("encode: timestamp %d overflows %d bytes", pkt.Timestamp, cfg.TimestampLen)
	}
	if !fits(pkt.DeviceID, cfg.DeviceIDLen) {
		return fmt.Errorf("encode: device_id %d overflows %d bytes", pkt.DeviceID, cfg.DeviceIDLen)
	}
	if !fits(pkt.Nonce, cfg.NonceLen) {
		return fmt.Errorf("encode: nonce %d overflows %d bytes", pkt.Nonce, cfg.NonceLen)
	}
	for _, e := range pkt.Entries {
		if len(e.Value) > maxTLVValue {
			return fmt.Errorf("encode: TLV type 0x%02X value is %d bytes, max %d", e.Type, len(e.Value), maxTLVValue)
		}
	}
	return nil
}

// PeekDeviceID reads the device id from the fixed header without decoding the rest.
func PeekDeviceID(buf []byte, cfg model.BinaryConfig) (uint64, bool) {
	start := 1 + cfg.TimestampLen
	end := start + cfg.DeviceIDLen
	if cfg.DeviceIDLen < 1 || cfg.DeviceIDLen > maxIntWidth || len(buf) < end {
		return 0, false
	}
	return readUint(buf[start:end]), true
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func appendUint(dst []byte, v uint64, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return dst
}

func fits(v uint64, width int) bool {
	if width >= maxIntWidth {
		return true
	}
	return v>>(8*uint(width)) == 0
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrMalformedPacket, fmt.Sprintf(format, args...))
}
