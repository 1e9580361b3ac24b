// Package ledger keeps per-device replay and trust state.
//
// A Ledger is an ordinary value: construct one per verification session (or
// per tenant) and pass it to the verify engine. Operations on one device are
// serialized by that device's mutex; different devices never wait on each
// other beyond the map lookup.
package ledger

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"telemetrygate/internal/model"
)

type Outcome int

const (
	OutcomePass Outcome = iota
	OutcomeFail
)

type Options struct {
	// NonceWindow bounds the remembered nonces per device.
	NonceWindow int
	// TrustDecay is the EMA weight of the previous trust score.
	TrustDecay      float64
	TrustFloor      float64
	StreakThreshold int
	InitialTrust    float64
	// MaxDevices and IdleTTL bound the ledger; zero means unbounded.
	MaxDevices int
	IdleTTL    time.Duration
	OnEvict    func(deviceID uint64)
	Now        func() time.Time
}

func DefaultOptions() Options {
	return Options{
		NonceWindow:     4096,
		TrustDecay:      0.9,
		TrustFloor:      0.5,
		StreakThreshold: 3,
		InitialTrust:    1.0,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.NonceWindow <= 0 {
		o.NonceWindow = def.NonceWindow
	}
	if o.TrustDecay <= 0 || o.TrustDecay >= 1 {
		o.TrustDecay = def.TrustDecay
	}
	if o.TrustFloor < 0 || o.TrustFloor > 1 {
		o.TrustFloor = def.TrustFloor
	}
	if o.StreakThreshold <= 0 {
		o.StreakThreshold = def.StreakThreshold
	}
	if o.InitialTrust <= 0 || o.InitialTrust > 1 {
		o.InitialTrust = def.InitialTrust
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Trust is a device's behavioral standing at one point in time.
type Trust struct {
	Score      float64
	Streak     int
	Suspicious bool
}

type Ledger struct {
	opts    Options
	mu      sync.Mutex
	devices *lru.Cache[uint64, *record]
	stop    chan struct{}
	closed  sync.Once
}

// New builds a ledger. When IdleTTL is set a sweeper goroutine runs until
// Close is called.
func New(opts Options) *Ledger {
	opts.applyDefaults()
	l := &Ledger{opts: opts, stop: make(chan struct{})}
	size := opts.MaxDevices
	if size <= 0 {
		size = math.MaxInt
	}
	var onEvict func(uint64, *record)
	if opts.OnEvict != nil {
		onEvict = func(id uint64, _ *record) { opts.OnEvict(id) }
	}
	devices, err := lru.NewWithEvict[uint64, *record](size, onEvict)
	if err != nil {
		// size is always positive here
		panic(err)
	}
	l.devices = devices
	if opts.IdleTTL > 0 {
		go l.sweep(sweepInterval(opts.IdleTTL))
	}
	return l
}

// Close stops the idle sweeper. The ledger stays usable; idle records are
// then only dropped when they are next looked up.
func (l *Ledger) Close() error {
	l.closed.Do(func() { close(l.stop) })
	return nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	d := ttl / 2
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (l *Ledger) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.expireIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Ledger) expireIdle() {
	now := l.opts.Now()
	for _, id := range l.devices.Keys() {
		if rec, ok := l.devices.Peek(id); ok && l.idle(rec, now) {
			l.devices.Remove(id)
		}
	}
}

func (l *Ledger) idle(rec *record, now time.Time) bool {
	return l.opts.IdleTTL > 0 && now.Sub(time.Unix(0, rec.used.Load())) > l.opts.IdleTTL
}

func (l *Ledger) Options() Options {
	return l.opts
}

func (l *Ledger) device(id uint64) *record {
	now := l.opts.Now()
	if rec, ok := l.lookup(id, now, true); ok {
		return rec
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.lookup(id, now, true); ok {
		return rec
	}
	rec := newRecord(l.opts)
	rec.used.Store(now.UnixNano())
	l.devices.Add(id, rec)
	return rec
}

// lookup returns a live record, dropping it first if it sat idle too long.
// Only recording operations refresh recency and idle time.
func (l *Ledger) lookup(id uint64, now time.Time, use bool) (*record, bool) {
	var rec *record
	var ok bool
	if use {
		rec, ok = l.devices.Get(id)
	} else {
		rec, ok = l.devices.Peek(id)
	}
	if !ok {
		return nil, false
	}
	if l.idle(rec, now) {
		l.devices.Remove(id)
		return nil, false
	}
	if use {
		rec.used.Store(now.UnixNano())
	}
	return rec, true
}

func (l *Ledger) peek(id uint64) (*record, bool) {
	return l.lookup(id, l.opts.Now(), false)
}

// CheckAndRecordNonce reports whether nonce is new for the device and records it.
func (l *Ledger) CheckAndRecordNonce(deviceID, nonce uint64) bool {
	rec := l.device(deviceID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.touch(l.opts.Now())
	if _, seen := rec.nonces[nonce]; seen {
		return false
	}
	rec.remember(nonce)
	return true
}

// SeenNonce reports whether nonce was already recorded, without recording it.
func (l *Ledger) SeenNonce(deviceID, nonce uint64) bool {
	rec, ok := l.peek(deviceID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	_, seen := rec.nonces[nonce]
	return seen
}

// CheckAndRecordTimestamp returns the newest timestamp accepted before this
// call, if any, and keeps the larger of the two.
func (l *Ledger) CheckAndRecordTimestamp(deviceID, ts uint64) (uint64, bool) {
	rec := l.device(deviceID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	prev, had := rec.lastTS, rec.hasTS
	if !had || ts > prev {
		rec.lastTS = ts
		rec.hasTS = true
	}
	return prev, had
}

// UpdateTrust folds one packet outcome into the device's rolling score.
func (l *Ledger) UpdateTrust(deviceID uint64, outcome Outcome) Trust {
	return l.fold(l.device(deviceID), outcome)
}

func (l *Ledger) fold(rec *record, outcome Outcome) Trust {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.touch(l.opts.Now())
	rec.packets++
	sample := 1.0
	if outcome == OutcomeFail {
		sample = 0
		rec.streak++
		rec.rejections++
	} else {
		rec.streak = 0
	}
	rec.trust = l.opts.TrustDecay*rec.trust + (1-l.opts.TrustDecay)*sample
	return rec.standing(l.opts)
}

// UpdateTrustIfKnown folds an outcome into an existing record and never
// creates one, so packets from unauthenticated senders cannot take ledger
// slots from real devices.
func (l *Ledger) UpdateTrustIfKnown(deviceID uint64, outcome Outcome) (Trust, bool) {
	rec, ok := l.peek(deviceID)
	if !ok {
		return Trust{Score: l.opts.InitialTrust}, false
	}
	return l.fold(rec, outcome), true
}

// Trust returns the current standing; unknown devices get the initial score.
func (l *Ledger) Trust(deviceID uint64) Trust {
	rec, ok := l.peek(deviceID)
	if !ok {
		return Trust{Score: l.opts.InitialTrust}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.standing(l.opts)
}

func (l *Ledger) Snapshot(deviceID uint64) (model.DeviceSnapshot, bool) {
	rec, ok := l.peek(deviceID)
	if !ok {
		return model.DeviceSnapshot{}, false
	}
	return rec.snapshot(deviceID, l.opts), true
}

func (l *Ledger) Snapshots() []model.DeviceSnapshot {
	keys := l.devices.Keys()
	out := make([]model.DeviceSnapshot, 0, len(keys))
	for _, id := range keys {
		if snap, ok := l.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Known reports whether the device has a live record.
func (l *Ledger) Known(deviceID uint64) bool {
	_, ok := l.peek(deviceID)
	return ok
}

func (l *Ledger) Len() int {
	return l.devices.Len()
}

func (l *Ledger) Forget(deviceID uint64) bool {
	return l.devices.Remove(deviceID)
}

func (l *Ledger) Reset() {
	l.devices.Purge()
}
