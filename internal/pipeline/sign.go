package pipeline

import (
	"telemetrygate/internal/codec"
	"telemetrygate/internal/fields"
	"telemetrygate/internal/hasher"
	"telemetrygate/internal/model"
)

// Value is a named measurement to put on the wire.
type Value struct {
	Name  string
	Value float64
}

// Reading is the producer-side description of a packet.
type Reading struct {
	Header    uint8
	Timestamp uint64
	DeviceID  uint64
	Nonce     uint64
	Values    []Value
}

// Sign encodes and signs a reading with the session's secret, producing the
// bytes a device would transmit.
func (p *Pipeline) Sign(r Reading) ([]byte, error) {
	return Sign(r, p.registry, p.binary, p.secret)
}

// Sign is the stand-alone producer used by tools and tests.
func Sign(r Reading, reg *fields.Registry, cfg model.BinaryConfig, secret []byte) ([]byte, error) {
	if reg == nil {
		reg = fields.DefaultRegistry()
	}
	pkt := model.RawPacket{
		Header:    r.Header,
		Timestamp: r.Timestamp,
		DeviceID:  r.DeviceID,
		Nonce:     r.Nonce,
	}
	for _, v := range r.Values {
		entry, err := reg.Encode(v.Name, v.Value)
		if err != nil {
			return nil, err
		}
		pkt.Entries = append(pkt.Entries, entry)
	}
	body, err := codec.EncodeBody(pkt, cfg)
	if err != nil {
		return nil, err
	}
	set, _, err := fields.Map(pkt.Entries, reg, fields.ModeStrict)
	if err != nil {
		return nil, err
	}
	sum, err := hasher.Sum(toCore(pkt, set), secret, cfg.HashAlg, cfg.HashLen)
	if err != nil {
		return nil, err
	}
	return append(body, sum...), nil
}
