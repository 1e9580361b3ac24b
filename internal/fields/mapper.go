package fields

import (
	"fmt"
	"strings"

	"telemetrygate/internal/model"
)

type Mode string

const (
	// ModeLenient skips unknown type ids and entries that do not fit their rule.
	ModeLenient Mode = "lenient"
	// ModeStrict fails the packet instead.
	ModeStrict Mode = "strict"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLenient:
		return ModeLenient, nil
	case ModeStrict:
		return ModeStrict, nil
	}
	return "", fmt.Errorf("unknown field mode %q", s)
}

// Skipped describes an entry that lenient mapping dropped.
type Skipped struct {
	Type   uint8
	Reason error
}

// Map decodes entries in order. In lenient mode the returned skip list says
// what was dropped; in strict mode the first problem is returned as an error
// wrapping model.ErrMalformedPacket.
func Map(entries []model.TLVEntry, reg *Registry, mode Mode) (*model.FieldSet, []Skipped, error) {
	set := model.NewFieldSet()
	var skipped []Skipped
	for _, e := range entries {
		if err := mapEntry(set, e, reg); err != nil {
			if mode == ModeStrict {
				return nil, nil, fmt.Errorf("%w: %w", model.ErrMalformedPacket, err)
			}
			skipped = append(skipped, Skipped{Type: e.Type, Reason: err})
		}
	}
	return set, skipped, nil
}

func mapEntry(set *model.FieldSet, e model.TLVEntry, reg *Registry) error {
	spec, ok := reg.Lookup(e.Type)
	if !ok {
		return fmt.Errorf("%w: type 0x%02X", model.ErrUnknownField, e.Type)
	}
	if len(e.Value) != spec.Rule.Size() {
		return fmt.Errorf("%w: %s (0x%02X) has %d bytes, rule %s wants %d", model.ErrFieldLength, spec.Name, e.Type, len(e.Value), spec.Rule, spec.Rule.Size())
	}
	v, ok := spec.Rule.decode(e.Value)
	if !ok {
		return fmt.Errorf("%w: %s (0x%02X) value %x for rule %s", model.ErrFieldValue, spec.Name, e.Type, e.Value, spec.Rule)
	}
	raw := make([]byte, len(e.Value))
	copy(raw, e.Value)
	if !set.Add(model.Field{Name: spec.Name, TypeID: e.Type, Value: v, Raw: raw}) {
		return fmt.Errorf("duplicate field %s (0x%02X)", spec.Name, e.Type)
	}
	return nil
}
