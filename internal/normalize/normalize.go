package normalize

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"telemetrygate/internal/codec"
	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
)

// FrameFields is a transport envelope before decoding: a text payload plus
// optional gateway metadata.
type FrameFields struct {
	Payload    string
	Encoding   string
	ReceivedAt string
	Gateway    string
	Extras     map[string]string
	Raw        string
}

// Normalize decodes the payload and stamps the frame. A missing receive time
// means now.
func Normalize(fields FrameFields, cfg *config.Config) (model.Frame, error) {
	enc := strings.TrimSpace(fields.Encoding)
	if enc == "" {
		enc = cfg.Ingest.Parser.Encoding
	}
	payload, err := DecodePayload(fields.Payload, enc)
	if err != nil {
		return model.Frame{}, err
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}
	ts := time.Now().UTC()
	if fields.ReceivedAt != "" {
		parsed, err := ParseTimestamp(fields.ReceivedAt, loc)
		if err != nil {
			return model.Frame{}, fmt.Errorf("parse received_at: %w", err)
		}
		ts = parsed.UTC()
	}
	return model.Frame{
		Payload:    payload,
		Remote:     strings.TrimSpace(fields.Gateway),
		ReceivedAt: ts,
	}, nil
}

// DecodePayload turns a text payload into packet bytes. Decoding failures
// wrap model.ErrMalformedPacket.
func DecodePayload(payload, encoding string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", model.ErrMalformedPacket)
	}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "hex":
		return codec.ParseHex(payload)
	case "base64":
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if b, err := enc.DecodeString(payload); err == nil {
				return b, nil
			}
		}
		return nil, fmt.Errorf("%w: payload is not valid base64", model.ErrMalformedPacket)
	}
	return nil, fmt.Errorf("%w: unknown payload encoding %q", model.ErrMalformedPacket, encoding)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix treats 13+ digit values as milliseconds.
func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
