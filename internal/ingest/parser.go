package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"telemetrygate/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s=][^\s]*)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
)

var (
	payloadKeys  = []string{"payload", "packet", "data", "hex", "frame"}
	encodingKeys = []string{"encoding", "enc"}
	receivedKeys = []string{"received_at", "timestamp", "time", "ts"}
	gatewayKeys  = []string{"gateway", "gateway_id", "gw", "source"}
)

// Parser turns one text line into a frame envelope. It understands JSON
// envelopes, CSV (with or without a header row) and plain lines whose last
// token is the payload.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.FrameFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := parseJSON(trim); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseJSON(line string) (*normalize.FrameFields, error) {
	return ParseJSONBytes([]byte(line))
}

func parsePlain(line string) *normalize.FrameFields {
	fields := &normalize.FrameFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)
	fields.ReceivedAt = ts

	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(rest, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	fields.Payload = firstNonEmpty(kv, payloadKeys...)
	fields.Encoding = firstNonEmpty(kv, encodingKeys...)
	fields.Gateway = firstNonEmpty(kv, gatewayKeys...)
	if fields.ReceivedAt == "" {
		fields.ReceivedAt = firstNonEmpty(kv, receivedKeys...)
	}
	for k, v := range kv {
		fields.Extras[k] = v
	}

	if fields.Payload == "" {
		tokens := bareTokens(rest)
		if len(tokens) > 0 {
			fields.Payload = tokens[len(tokens)-1]
		}
		if fields.Gateway == "" && len(tokens) > 1 {
			fields.Gateway = tokens[0]
		}
	}
	return fields
}

// bareTokens drops key=value pairs so only positional tokens remain.
func bareTokens(s string) []string {
	out := make([]string, 0, 2)
	for _, tok := range strings.Fields(s) {
		if reKV.MatchString(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	m = reSyslogTS.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.FrameFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.FrameFields{Extras: map[string]string{}}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			assignField(fields, name, record[i])
		}
		return fields, nil
	}
	// Positional: [received_at,] [gateway,] payload.
	switch len(record) {
	case 1:
		fields.Payload = record[0]
	case 2:
		fields.ReceivedAt = record[0]
		fields.Payload = record[1]
	default:
		fields.ReceivedAt = record[0]
		fields.Gateway = record[1]
		fields.Payload = record[2]
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, group := range [][]string{payloadKeys, receivedKeys, gatewayKeys, encodingKeys} {
			for _, k := range group {
				if v == k {
					return true
				}
			}
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.FrameFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch {
	case contains(payloadKeys, name):
		fields.Payload = value
	case contains(encodingKeys, name):
		fields.Encoding = value
	case contains(receivedKeys, name):
		fields.ReceivedAt = value
	case contains(gatewayKeys, name):
		fields.Gateway = value
	default:
		if fields.Extras != nil {
			fields.Extras[name] = value
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
