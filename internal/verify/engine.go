// Package verify grades a decoded packet along five integrity dimensions.
package verify

import (
	"fmt"
	"math"
	"time"

	"telemetrygate/internal/hasher"
	"telemetrygate/internal/ledger"
	"telemetrygate/internal/model"
)

type Engine struct {
	cfg    model.VerifyConfig
	secret []byte
	ledger *ledger.Ledger
	now    func() time.Time
}

// NewEngine validates cfg and binds it to a ledger. The secret is copied.
func NewEngine(cfg model.VerifyConfig, secret []byte, l *ledger.Ledger, now func() time.Time) (*Engine, error) {
	if err := hasher.CheckTruncation(cfg.HashAlg, cfg.HashLen); err != nil {
		return nil, err
	}
	if cfg.MaxAgeSeconds <= 0 {
		return nil, fmt.Errorf("%w: max_age_seconds must be positive", model.ErrConfigMismatch)
	}
	switch cfg.Freshness {
	case "":
		cfg.Freshness = model.FreshnessLinear
	case model.FreshnessLinear, model.FreshnessStep:
	default:
		return nil, fmt.Errorf("%w: unknown freshness curve %q", model.ErrConfigMismatch, cfg.Freshness)
	}
	if cfg.Weights.Total() <= 0 {
		cfg.Weights = model.EqualWeights()
	}
	if hasNegativeWeight(cfg.Weights) {
		return nil, fmt.Errorf("%w: dimension weights must not be negative", model.ErrConfigMismatch)
	}
	for name, r := range cfg.FieldRanges {
		if r.Min > r.Max {
			return nil, fmt.Errorf("%w: field range %q has min > max", model.ErrConfigMismatch, name)
		}
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", model.ErrConfigMismatch)
	}
	if l == nil {
		return nil, fmt.Errorf("%w: nil ledger", model.ErrConfigMismatch)
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:    cfg,
		secret: append([]byte(nil), secret...),
		ledger: l,
		now:    now,
	}, nil
}

func (e *Engine) Config() model.VerifyConfig {
	return e.cfg
}

// Verify never fails for a decoded packet: every trust problem is a flag.
func (e *Engine) Verify(p model.CorePacket) model.VerifyResult {
	var dims model.Dimensions
	flags := model.Flags{ValueOutOfRange: []string{}}

	hashOK, err := hasher.Verify(p, e.secret, e.cfg.HashAlg, e.cfg.HashLen)
	if err == nil && hashOK {
		dims.HashValidity = 1
	} else {
		flags.HashMismatch = true
	}

	age := ageSeconds(e.now(), p.Timestamp)
	flags.TimestampExpired = age > e.cfg.MaxAgeSeconds
	dims.TimestampValidity = e.freshness(age)

	// A packet that fails authentication only peeks at replay state and never
	// creates a ledger record, so a forger cannot burn nonces, advance
	// timestamps or evict real devices.
	regressed := false
	if flags.HashMismatch {
		flags.NonceReuse = e.ledger.SeenNonce(p.DeviceID, p.Nonce)
	} else {
		flags.NonceReuse = !e.ledger.CheckAndRecordNonce(p.DeviceID, p.Nonce)
		prev, had := e.ledger.CheckAndRecordTimestamp(p.DeviceID, p.Timestamp)
		regressed = had && p.Timestamp < prev
	}
	if !flags.NonceReuse {
		dims.NonceBehavior = 1
	}

	dims.ValueAnomalies, flags.ValueOutOfRange = e.checkRanges(p.Fields)

	trust := e.ledger.Trust(p.DeviceID)
	dims.DeviceBehavior = clamp01(trust.Score)
	flags.DeviceSuspicious = trust.Suspicious

	valid := !flags.Disqualified()
	outcome := ledger.OutcomePass
	if !valid || regressed {
		outcome = ledger.OutcomeFail
	}
	if flags.HashMismatch {
		e.ledger.UpdateTrustIfKnown(p.DeviceID, outcome)
	} else {
		e.ledger.UpdateTrust(p.DeviceID, outcome)
	}

	return model.VerifyResult{
		Valid:          valid,
		IntegrityScore: e.score(dims),
		Dimensions:     dims,
		Flags:          flags,
	}
}

func (e *Engine) freshness(age int64) float64 {
	max := e.cfg.MaxAgeSeconds
	switch e.cfg.Freshness {
	case model.FreshnessStep:
		if age <= max {
			return 1
		}
		return 0
	default:
		return clamp01(1 - float64(age)/float64(max))
	}
}

// checkRanges visits fields in packet order so the out-of-range list is stable.
func (e *Engine) checkRanges(set *model.FieldSet) (float64, []string) {
	out := []string{}
	checked, inRange := 0, 0
	for _, f := range set.Fields() {
		r, ok := e.cfg.FieldRanges[f.Name]
		if !ok {
			continue
		}
		checked++
		if r.Contains(f.Value) {
			inRange++
		} else {
			out = append(out, f.Name)
		}
	}
	if checked == 0 {
		return 1, out
	}
	return float64(inRange) / float64(checked), out
}

func (e *Engine) score(d model.Dimensions) float64 {
	w := e.cfg.Weights
	sum := w.HashValidity*d.HashValidity +
		w.TimestampValidity*d.TimestampValidity +
		w.NonceBehavior*d.NonceBehavior +
		w.ValueAnomalies*d.ValueAnomalies +
		w.DeviceBehavior*d.DeviceBehavior
	return Round1(100 * sum / w.Total())
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func ageSeconds(now time.Time, ts uint64) int64 {
	n := now.Unix()
	if ts > math.MaxInt64 {
		return math.MaxInt64
	}
	age := n - int64(ts)
	if age < 0 {
		if age == math.MinInt64 {
			return math.MaxInt64
		}
		age = -age
	}
	return age
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func hasNegativeWeight(w model.Weights) bool {
	return w.HashValidity < 0 || w.TimestampValidity < 0 || w.NonceBehavior < 0 || w.ValueAnomalies < 0 || w.DeviceBehavior < 0
}
