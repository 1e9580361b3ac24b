package model

type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

type Freshness string

const (
	FreshnessLinear Freshness = "linear"
	FreshnessStep   Freshness = "step"
)

// Weights scale each dimension in the aggregate score.
type Weights struct {
	HashValidity      float64 `json:"hash_validity" yaml:"hash_validity"`
	TimestampValidity float64 `json:"timestamp_validity" yaml:"timestamp_validity"`
	NonceBehavior     float64 `json:"nonce_behavior" yaml:"nonce_behavior"`
	ValueAnomalies    float64 `json:"value_anomalies" yaml:"value_anomalies"`
	DeviceBehavior    float64 `json:"device_behavior" yaml:"device_behavior"`
}

func EqualWeights() Weights {
	return Weights{1, 1, 1, 1, 1}
}

func (w Weights) Total() float64 {
	return w.HashValidity + w.TimestampValidity + w.NonceBehavior + w.ValueAnomalies + w.DeviceBehavior
}

type VerifyConfig struct {
	MaxAgeSeconds int64            `json:"max_age_seconds" yaml:"max_age_seconds"`
	HashAlg       HashAlgorithm    `json:"hash_alg" yaml:"hash_alg"`
	HashLen       int              `json:"hash_len" yaml:"hash_len"`
	FieldRanges   map[string]Range `json:"field_ranges" yaml:"field_ranges"`
	Weights       Weights          `json:"weights" yaml:"weights"`
	Freshness     Freshness        `json:"freshness" yaml:"freshness"`
}

type Dimensions struct {
	HashValidity      float64 `json:"hash_validity"`
	TimestampValidity float64 `json:"timestamp_validity"`
	NonceBehavior     float64 `json:"nonce_behavior"`
	ValueAnomalies    float64 `json:"value_anomalies"`
	DeviceBehavior    float64 `json:"device_behavior"`
}

type Flags struct {
	HashMismatch     bool     `json:"hash_mismatch"`
	TimestampExpired bool     `json:"timestamp_expired"`
	NonceReuse       bool     `json:"nonce_reuse"`
	ValueOutOfRange  []string `json:"value_out_of_range"`
	DeviceSuspicious bool     `json:"device_suspicious"`
}

// Disqualified reports whether any hard flag is set.
func (f Flags) Disqualified() bool {
	return f.HashMismatch || f.TimestampExpired || f.NonceReuse
}

type VerifyResult struct {
	Valid          bool       `json:"valid"`
	IntegrityScore float64    `json:"integrity_score"`
	Dimensions     Dimensions `json:"dimensions"`
	Flags          Flags      `json:"flags"`
}
