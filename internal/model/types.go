package model

import "time"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Frame is one unit of raw bytes handed over by a transport.
type Frame struct {
	Payload    []byte    `json:"-"`
	Source     string    `json:"source,omitempty"`
	Remote     string    `json:"remote,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type WindowMetrics struct {
	WindowSec   int     `json:"window_sec"`
	Packets     int     `json:"packets"`
	Rejected    int     `json:"rejected"`
	PPS         float64 `json:"pps"`
	RejectRatio float64 `json:"reject_ratio"`
	MeanScore   float64 `json:"mean_score"`
	Jitter      float64 `json:"jitter"`
}

type Alert struct {
	Timestamp time.Time         `json:"timestamp"`
	DeviceID  uint64            `json:"device_id"`
	Severity  Severity          `json:"severity"`
	AlertType string            `json:"alert_type"`
	Score     float64           `json:"score"`
	Rules     []string          `json:"rules"`
	Context   map[string]string `json:"context,omitempty"`
}

type DeviceSnapshot struct {
	DeviceID      uint64    `json:"device_id"`
	TrustScore    float64   `json:"trust_score"`
	RejectStreak  int       `json:"reject_streak"`
	Suspicious    bool      `json:"suspicious"`
	LastTimestamp uint64    `json:"last_timestamp"`
	NonceCount    int       `json:"nonce_count"`
	Packets       uint64    `json:"packets"`
	Rejections    uint64    `json:"rejections"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}
