package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"telemetrygate/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.FrameFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.FrameFields {
	fields := &normalize.FrameFields{Extras: map[string]string{}}
	for key, val := range obj {
		fields.Extras[strings.ToLower(key)] = jsonString(val)
	}
	fields.Payload = firstNonEmpty(fields.Extras, payloadKeys...)
	fields.Encoding = firstNonEmpty(fields.Extras, encodingKeys...)
	fields.ReceivedAt = firstNonEmpty(fields.Extras, receivedKeys...)
	fields.Gateway = firstNonEmpty(fields.Extras, gatewayKeys...)
	return fields
}

// jsonString keeps large integers such as unix milliseconds out of
// scientific notation.
func jsonString(v interface{}) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}
