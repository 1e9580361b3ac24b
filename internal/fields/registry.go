// Package fields turns TLV entries into named measurement values.
package fields

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"telemetrygate/internal/model"
)

// Rule is the decode rule bound to a TLV type. The set is closed: adding a
// rule means adding a case to every switch in this file.
type Rule string

const (
	RuleFixed16x10 Rule = "fixed16x10"
	RulePercent8   Rule = "percent8"
	RuleUint8      Rule = "uint8"
	RuleUint16     Rule = "uint16"
	RuleInt16      Rule = "int16"
	RuleUint32     Rule = "uint32"
	RuleInt32      Rule = "int32"
)

func ParseRule(s string) (Rule, error) {
	r := Rule(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RuleFixed16x10, RulePercent8, RuleUint8, RuleUint16, RuleInt16, RuleUint32, RuleInt32:
		return r, nil
	}
	return "", fmt.Errorf("unknown field rule %q", s)
}

// Size is the value length a rule expects.
func (r Rule) Size() int {
	switch r {
	case RulePercent8, RuleUint8:
		return 1
	case RuleFixed16x10, RuleUint16, RuleInt16:
		return 2
	case RuleUint32, RuleInt32:
		return 4
	}
	return 0
}

func (r Rule) decode(b []byte) (float64, bool) {
	if len(b) != r.Size() {
		return 0, false
	}
	switch r {
	case RuleFixed16x10:
		return float64(int16(be16(b))) / 10, true
	case RulePercent8:
		if b[0] > 100 {
			return 0, false
		}
		return float64(b[0]), true
	case RuleUint8:
		return float64(b[0]), true
	case RuleUint16:
		return float64(be16(b)), true
	case RuleInt16:
		return float64(int16(be16(b))), true
	case RuleUint32:
		return float64(be32(b)), true
	case RuleInt32:
		return float64(int32(be32(b))), true
	}
	return 0, false
}

func (r Rule) encode(v float64) ([]byte, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%s: value %v is not finite", r, v)
	}
	switch r {
	case RuleFixed16x10:
		n := math.Round(v * 10)
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("%s: %v out of range", r, v)
		}
		return put16(uint16(int16(n))), nil
	case RulePercent8:
		if v < 0 || v > 100 || v != math.Trunc(v) {
			return nil, fmt.Errorf("%s: %v is not an integer percentage", r, v)
		}
		return []byte{byte(v)}, nil
	case RuleUint8:
		if err := checkInt(r, v, 0, math.MaxUint8); err != nil {
			return nil, err
		}
		return []byte{byte(v)}, nil
	case RuleUint16:
		if err := checkInt(r, v, 0, math.MaxUint16); err != nil {
			return nil, err
		}
		return put16(uint16(v)), nil
	case RuleInt16:
		if err := checkInt(r, v, math.MinInt16, math.MaxInt16); err != nil {
			return nil, err
		}
		return put16(uint16(int16(v))), nil
	case RuleUint32:
		if err := checkInt(r, v, 0, math.MaxUint32); err != nil {
			return nil, err
		}
		return put32(uint32(v)), nil
	case RuleInt32:
		if err := checkInt(r, v, math.MinInt32, math.MaxInt32); err != nil {
			return nil, err
		}
		return put32(uint32(int32(v))), nil
	}
	return nil, fmt.Errorf("unknown field rule %q", r)
}

func checkInt(r Rule, v, lo, hi float64) error {
	if v != math.Trunc(v) || v < lo || v > hi {
		return fmt.Errorf("%s: %v out of range", r, v)
	}
	return nil
}

type Spec struct {
	TypeID uint8  `json:"type_id" yaml:"type_id"`
	Name   string `json:"name" yaml:"name"`
	Rule   Rule   `json:"rule" yaml:"rule"`
}

// Registry binds TLV type ids to field specs. It is immutable once built.
type Registry struct {
	byType map[uint8]Spec
	byName map[string]Spec
}

func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{
		byType: make(map[uint8]Spec, len(specs)),
		byName: make(map[string]Spec, len(specs)),
	}
	for _, s := range specs {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, fmt.Errorf("field type 0x%02X has no name", s.TypeID)
		}
		rule, err := ParseRule(string(s.Rule))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", s.Name, err)
		}
		s.Rule = rule
		if _, ok := r.byType[s.TypeID]; ok {
			return nil, fmt.Errorf("duplicate field type 0x%02X", s.TypeID)
		}
		if _, ok := r.byName[s.Name]; ok {
			return nil, fmt.Errorf("duplicate field name %q", s.Name)
		}
		r.byType[s.TypeID] = s
		r.byName[s.Name] = s
	}
	return r, nil
}

func DefaultSpecs() []Spec {
	return []Spec{
		{TypeID: 0x01, Name: "temperature", Rule: RuleFixed16x10},
		{TypeID: 0x02, Name: "humidity", Rule: RulePercent8},
		{TypeID: 0x03, Name: "battery", Rule: RulePercent8},
	}
}

func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultSpecs())
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(typeID uint8) (Spec, bool) {
	s, ok := r.byType[typeID]
	return s, ok
}

func (r *Registry) ByName(name string) (Spec, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Specs lists the registry ordered by type id.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.byType))
	for _, s := range r.byType {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}

// Encode builds the TLV entry for a named value.
func (r *Registry) Encode(name string, value float64) (model.TLVEntry, error) {
	s, ok := r.byName[name]
	if !ok {
		return model.TLVEntry{}, fmt.Errorf("%w: %q", model.ErrUnknownField, name)
	}
	b, err := s.Rule.encode(value)
	if err != nil {
		return model.TLVEntry{}, fmt.Errorf("field %q: %w", name, err)
	}
	return model.TLVEntry{Type: s.TypeID, Value: b}, nil
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func put16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func put32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
