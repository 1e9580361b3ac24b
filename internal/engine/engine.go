package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"telemetrygate/internal/alerts"
	"telemetrygate/internal/codec"
	"telemetrygate/internal/config"
	"telemetrygate/internal/fields"
	"telemetrygate/internal/ledger"
	"telemetrygate/internal/metrics"
	"telemetrygate/internal/model"
	"telemetrygate/internal/pipeline"
	"telemetrygate/internal/publish"
	"telemetrygate/internal/storage"
)

var (
	ErrBlocked        = errors.New("device blocked by access control")
	ErrDuplicateFrame = errors.New("duplicate frame")
)

type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Store
	Alerts    *alerts.Store
	Store     storage.Store
	Publisher publish.Publisher
	// Ledger is built from the ledger config section when nil.
	Ledger *ledger.Ledger
	Now    func() time.Time
}

type Engine struct {
	logger    *slog.Logger
	metrics   *metrics.Store
	alerts    *alerts.Store
	store     storage.Store
	publisher publish.Publisher
	ledger    *ledger.Ledger
	now       func() time.Time
	cfg       atomic.Value
	access    atomic.Value
	pipe      atomic.Pointer[pipeline.Pipeline]
	devices   map[uint64]*DeviceState
	mu        sync.Mutex
	started   time.Time
	cooldown  *Cooldown
	deDupe    *DedupeCache
	counters  counters
	wg        sync.WaitGroup

	// ownsLedger is set when NewEngine built the ledger and Close stops it.
	ownsLedger bool
}

type DeviceState struct {
	mu      sync.Mutex
	id      uint64
	windows map[int]*WindowState
}

type counters struct {
	frames     atomic.Uint64
	valid      atomic.Uint64
	rejected   atomic.Uint64
	malformed  atomic.Uint64
	blocked    atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
}

type Stats struct {
	StartedAt  time.Time `json:"started_at"`
	Uptime     string    `json:"uptime"`
	Frames     uint64    `json:"frames"`
	Valid      uint64    `json:"valid"`
	Rejected   uint64    `json:"rejected"`
	Malformed  uint64    `json:"malformed"`
	Blocked    uint64    `json:"blocked"`
	Duplicates uint64    `json:"duplicates"`
	Dropped    uint64    `json:"dropped"`
	Devices    int       `json:"devices"`
}

func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		alerts:    opts.Alerts,
		store:     opts.Store,
		publisher: opts.Publisher,
		now:       now,
		devices:   make(map[uint64]*DeviceState),
		started:   now().UTC(),
		cooldown:  NewCooldown(now),
		deDupe:    NewDedupeCache(),
	}
	if e.metrics == nil {
		e.metrics = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	if e.alerts == nil {
		e.alerts = alerts.NewStore(cfg.Alerts.StoreLimit)
	}
	e.ledger = opts.Ledger
	if e.ledger == nil {
		lopts := cfg.Ledger.Options()
		lopts.OnEvict = e.forgetDevice
		e.ledger = ledger.New(lopts)
		e.ownsLedger = true
	}
	pipe, err := e.buildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	e.pipe.Store(pipe)
	e.cfg.Store(cfg)
	e.access.Store(buildAccessControl(cfg))
	return e, nil
}

// UpdateConfig swaps in a new session over the same ledger. On error the
// previous configuration stays active. Ledger sizing changes need a restart.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	pipe, err := e.buildPipeline(cfg)
	if err != nil {
		return err
	}
	e.pipe.Store(pipe)
	e.cfg.Store(cfg)
	e.access.Store(buildAccessControl(cfg))
	return nil
}

func (e *Engine) buildPipeline(cfg *config.Config) (*pipeline.Pipeline, error) {
	secret, err := config.ResolveSecret(cfg.Session)
	if err != nil {
		return nil, err
	}
	reg, err := fields.NewRegistry(cfg.Session.Fields)
	if err != nil {
		return nil, err
	}
	mode, err := fields.ParseMode(cfg.Session.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrConfigMismatch, err)
	}
	return pipeline.New(pipeline.Options{
		Binary:   cfg.Session.Binary,
		Verify:   cfg.Session.Verify,
		Registry: reg,
		Mode:     mode,
		Secret:   secret,
		Ledger:   e.ledger,
		Now:      e.now,
		Logger:   e.logger,
	})
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Pipeline() *pipeline.Pipeline {
	return e.pipe.Load()
}

func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

func (e *Engine) Metrics() *metrics.Store {
	return e.metrics
}

func (e *Engine) Alerts() *alerts.Store {
	return e.alerts
}

// Start consumes frames until ctx is done or in is closed. Frames are sharded
// by device id so each device is verified in arrival order.
func (e *Engine) Start(ctx context.Context, in <-chan model.Frame) {
	cfg := e.config()
	n := cfg.Ingest.Workers
	if n <= 0 {
		n = 1
	}
	depth := cfg.Ingest.ChannelBuffer / n
	if depth < 1 {
		depth = 1
	}
	queues := make([]chan model.Frame, n)
	for i := range queues {
		queues[i] = make(chan model.Frame, depth)
		e.wg.Add(1)
		go e.worker(ctx, queues[i])
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			select {
			case fr, ok := <-in:
				if !ok {
					return
				}
				select {
				case queues[e.shard(fr, n)] <- fr:
				case <-ctx.Done():
					e.counters.dropped.Add(1)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close releases the ledger the engine built. A ledger passed in through
// Options belongs to the caller.
func (e *Engine) Close() error {
	if e.ownsLedger {
		return e.ledger.Close()
	}
	return nil
}

// Wait blocks until the workers started by Start have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, q <-chan model.Frame) {
	defer e.wg.Done()
	for fr := range q {
		if ctx.Err() != nil {
			e.counters.dropped.Add(1)
			continue
		}
		_, _, _ = e.ProcessFrame(ctx, fr)
	}
}

func (e *Engine) shard(fr model.Frame, n int) int {
	id, ok := codec.PeekDeviceID(fr.Payload, e.pipe.Load().Binary())
	if !ok {
		return 0
	}
	return int(id % uint64(n))
}

// ProcessFrame verifies one frame and runs the alerting, metrics, storage and
// publishing around it. Malformed frames return the decode error; blocked and
// duplicate frames return ErrBlocked and ErrDuplicateFrame.
func (e *Engine) ProcessFrame(ctx context.Context, fr model.Frame) (*model.ProcessResult, []model.Alert, error) {
	cfg := e.config()
	pipe := e.pipe.Load()
	if fr.ReceivedAt.IsZero() {
		fr.ReceivedAt = e.now().UTC()
	}
	e.counters.frames.Add(1)

	if e.isDuplicate(fr, cfg.Detection.DedupeWindow) {
		e.counters.duplicates.Add(1)
		return nil, nil, ErrDuplicateFrame
	}

	alertsOut := make([]model.Alert, 0)
	if id, ok := codec.PeekDeviceID(fr.Payload, pipe.Binary()); ok {
		if alert, blocked, raise := e.evaluateAccess(cfg, id, fr); blocked {
			e.counters.blocked.Add(1)
			if raise {
				e.emit(ctx, alert)
				alertsOut = append(alertsOut, alert)
			}
			return nil, alertsOut, ErrBlocked
		}
	}

	res, err := pipe.Process(fr.Payload)
	if err != nil {
		e.counters.malformed.Add(1)
		if e.logger != nil {
			e.logger.Warn("malformed frame dropped",
				"source", fr.Source,
				"remote", fr.Remote,
				"bytes", len(fr.Payload),
				"err", err,
			)
		}
		return nil, nil, err
	}

	core := res.CorePacket
	vr := res.VerifyResult
	if vr.Valid {
		e.counters.valid.Add(1)
	} else {
		e.counters.rejected.Add(1)
	}
	if e.logger != nil {
		level := slog.LevelDebug
		msg := "packet verified"
		if !vr.Valid {
			level = slog.LevelWarn
			msg = "packet rejected"
		}
		e.logger.Log(ctx, level, msg,
			"device_id", core.DeviceID,
			"nonce", core.Nonce,
			"source", fr.Source,
			"integrity_score", vr.IntegrityScore,
			"hash_mismatch", vr.Flags.HashMismatch,
			"timestamp_expired", vr.Flags.TimestampExpired,
			"nonce_reuse", vr.Flags.NonceReuse,
		)
	}

	for _, alert := range e.evaluateResult(cfg, res) {
		e.emit(ctx, alert)
		alertsOut = append(alertsOut, alert)
	}

	// Unauthenticated frames for devices the ledger does not know get no
	// window state, so made-up device ids cannot grow the device map.
	var metricsList []model.WindowMetrics
	if !vr.Flags.HashMismatch || e.ledger.Known(core.DeviceID) {
		dev := e.getDevice(core.DeviceID, cfg)
		metricsList = dev.observe(EventEntry{Timestamp: fr.ReceivedAt, Valid: vr.Valid, Score: vr.IntegrityScore})
		e.metrics.Update(core.DeviceID, metricsList)
	}

	if e.store != nil {
		if err := e.store.SaveResult(ctx, storage.NewResultRecord(res, fr.Source, fr.ReceivedAt)); err != nil {
			e.logStorageError("save result", err)
		}
		if len(metricsList) > 0 {
			if err := e.store.SaveMetrics(ctx, core.DeviceID, metricsList); err != nil {
				e.logStorageError("save metrics", err)
			}
		}
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, res); err != nil && e.logger != nil {
			e.logger.Warn("publish failed", "device_id", core.DeviceID, "err", err)
		}
	}
	return res, alertsOut, nil
}

func (e *Engine) emit(ctx context.Context, alert model.Alert) {
	e.alerts.Add(alert)
	if e.logger != nil {
		e.logger.Warn("alert triggered",
			"device_id", alert.DeviceID,
			"alert_type", alert.AlertType,
			"severity", alert.Severity,
			"rules", alert.Rules,
			"score", alert.Score,
		)
	}
	if e.store != nil {
		if err := e.store.SaveAlert(ctx, alert); err != nil {
			e.logStorageError("save alert", err)
		}
	}
}

func (e *Engine) logStorageError(op string, err error) {
	if e.logger != nil {
		e.logger.Warn("storage error", "op", op, "err", err)
	}
}

func (e *Engine) evaluateResult(cfg *config.Config, res *model.ProcessResult) []model.Alert {
	core := res.CorePacket
	vr := res.VerifyResult
	out := make([]model.Alert, 0, 2)
	id := core.DeviceID
	ctxFields := map[string]string{
		"nonce":     strconv.FormatUint(core.Nonce, 10),
		"timestamp": strconv.FormatUint(core.Timestamp, 10),
	}

	if !vr.Valid {
		var rules []string
		severity := model.SeverityMedium
		if vr.Flags.HashMismatch {
			rules = append(rules, "hash_mismatch")
			severity = model.SeverityCritical
		}
		if vr.Flags.NonceReuse {
			rules = append(rules, "nonce_reuse")
			if severity != model.SeverityCritical {
				severity = model.SeverityHigh
			}
		}
		if vr.Flags.TimestampExpired {
			rules = append(rules, "timestamp_expired")
		}
		if e.cooldown.AllowKey(alertKey("integrity", id), cfg.Detection.AlertCooldown) {
			out = append(out, e.newAlert(id, severity, "integrity_failure", vr.IntegrityScore, rules, ctxFields))
		}
	} else if cfg.Detection.AlertOnAnomaly && len(vr.Flags.ValueOutOfRange) > 0 {
		c := copyContext(ctxFields)
		c["fields"] = strings.Join(vr.Flags.ValueOutOfRange, ",")
		if e.cooldown.AllowKey(alertKey("anomaly", id), cfg.Detection.AlertCooldown) {
			out = append(out, e.newAlert(id, model.SeverityLow, "value_anomaly", vr.IntegrityScore, []string{"value_out_of_range"}, c))
		}
	}

	if trust := e.ledger.Trust(id); trust.Suspicious {
		c := copyContext(ctxFields)
		c["trust_score"] = strconv.FormatFloat(trust.Score, 'f', 3, 64)
		c["reject_streak"] = strconv.Itoa(trust.Streak)
		if e.cooldown.AllowKey(alertKey("suspicious", id), cfg.Detection.AlertCooldown) {
			out = append(out, e.newAlert(id, model.SeverityHigh, "suspicious_device", vr.IntegrityScore, []string{"device_suspicious"}, c))
		}
	}
	return out
}

// evaluateAccess reports whether the device is blocked and whether an alert
// should be raised for it.
func (e *Engine) evaluateAccess(cfg *config.Config, id uint64, fr model.Frame) (model.Alert, bool, bool) {
	ac := e.accessSet()
	if ac == nil || !ac.Enabled {
		return model.Alert{}, false, false
	}
	var rule string
	severity := model.SeverityHigh
	switch {
	case ac.IsDenied(id):
		rule = "denylisted_device"
		severity = model.SeverityCritical
	case ac.AllowlistOnly && !ac.IsAllowed(id):
		rule = "allowlist_violation"
	default:
		return model.Alert{}, false, false
	}
	if !e.cooldown.AllowKey(alertKey("blocked", id), cfg.Detection.AlertCooldown) {
		return model.Alert{}, true, false
	}
	return e.newAlert(id, severity, "blocked_device", 0, []string{rule}, map[string]string{
		"source": fr.Source,
		"remote": fr.Remote,
	}), true, true
}

func (e *Engine) newAlert(id uint64, severity model.Severity, kind string, score float64, rules []string, ctx map[string]string) model.Alert {
	return model.Alert{
		Timestamp: e.now().UTC(),
		DeviceID:  id,
		Severity:  severity,
		AlertType: kind,
		Score:     score,
		Rules:     rules,
		Context:   ctx,
	}
}

func (e *Engine) accessSet() *AccessControlSet {
	if v := e.access.Load(); v != nil {
		if ac, ok := v.(*AccessControlSet); ok {
			return ac
		}
	}
	return nil
}

func (e *Engine) isDuplicate(fr model.Frame, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return e.deDupe.Seen(frameKey(fr.Payload), e.now().UTC(), window)
}

func (e *Engine) getDevice(id uint64, cfg *config.Config) *DeviceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		d = &DeviceState{id: id, windows: make(map[int]*WindowState)}
		e.devices[id] = d
	}
	d.mu.Lock()
	for _, win := range cfg.Detection.Windows {
		sec := int(win.Seconds())
		if _, exists := d.windows[sec]; !exists {
			d.windows[sec] = NewWindowState(win)
		}
	}
	d.mu.Unlock()
	return d
}

// forgetDevice drops window state once the ledger evicts a device.
func (e *Engine) forgetDevice(id uint64) {
	e.mu.Lock()
	delete(e.devices, id)
	e.mu.Unlock()
}

func (d *DeviceState) observe(ev EventEntry) []model.WindowMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]int, 0, len(d.windows))
	for k := range d.windows {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]model.WindowMetrics, 0, len(keys))
	for _, k := range keys {
		w := d.windows[k]
		w.Evict(ev.Timestamp.Add(-w.duration))
		w.Add(ev)
		out = append(out, w.Metrics())
	}
	return out
}

// Reset clears the ledger and every per-device cache.
func (e *Engine) Reset() {
	e.ledger.Reset()
	e.mu.Lock()
	e.devices = make(map[uint64]*DeviceState)
	e.mu.Unlock()
	e.cooldown.Clear()
	e.deDupe.Clear()
}

func (e *Engine) Stats() Stats {
	now := e.now().UTC()
	e.mu.Lock()
	devices := len(e.devices)
	e.mu.Unlock()
	return Stats{
		StartedAt:  e.started,
		Uptime:     now.Sub(e.started).Truncate(time.Second).String(),
		Frames:     e.counters.frames.Load(),
		Valid:      e.counters.valid.Load(),
		Rejected:   e.counters.rejected.Load(),
		Malformed:  e.counters.malformed.Load(),
		Blocked:    e.counters.blocked.Load(),
		Duplicates: e.counters.duplicates.Load(),
		Dropped:    e.counters.dropped.Load(),
		Devices:    devices,
	}
}

func alertKey(kind string, id uint64) string {
	return kind + "|" + strconv.FormatUint(id, 10)
}

func copyContext(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
