package ledger

import (
	"sync"
	"sync/atomic"
	"time"

	"telemetrygate/internal/model"
)

type record struct {
	mu         sync.Mutex
	nonces     map[uint64]struct{}
	ring       []uint64
	window     int
	next       int
	lastTS     uint64
	hasTS      bool
	trust      float64
	streak     int
	packets    uint64
	rejections uint64
	firstSeen  time.Time
	lastSeen   time.Time
	// used is the unix-nano time of the last recording access, for idle expiry.
	used atomic.Int64
}

func newRecord(opts Options) *record {
	return &record{
		nonces: make(map[uint64]struct{}),
		ring:   make([]uint64, 0, min(opts.NonceWindow, 64)),
		window: opts.NonceWindow,
		trust:  opts.InitialTrust,
	}
}

func (r *record) touch(now time.Time) {
	if r.firstSeen.IsZero() {
		r.firstSeen = now
	}
	r.lastSeen = now
}

// remember adds nonce, dropping the oldest one once the window is full.
func (r *record) remember(nonce uint64) {
	if len(r.ring) < r.window {
		r.ring = append(r.ring, nonce)
		r.nonces[nonce] = struct{}{}
		return
	}
	delete(r.nonces, r.ring[r.next])
	r.ring[r.next] = nonce
	r.next = (r.next + 1) % len(r.ring)
	r.nonces[nonce] = struct{}{}
}

func (r *record) standing(opts Options) Trust {
	return Trust{
		Score:      r.trust,
		Streak:     r.streak,
		Suspicious: r.trust < opts.TrustFloor || r.streak > opts.StreakThreshold,
	}
}

func (r *record) snapshot(id uint64, opts Options) model.DeviceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.standing(opts)
	return model.DeviceSnapshot{
		DeviceID:      id,
		TrustScore:    t.Score,
		RejectStreak:  t.Streak,
		Suspicious:    t.Suspicious,
		LastTimestamp: r.lastTS,
		NonceCount:    len(r.nonces),
		Packets:       r.packets,
		Rejections:    r.rejections,
		FirstSeen:     r.firstSeen,
		LastSeen:      r.lastSeen,
	}
}
