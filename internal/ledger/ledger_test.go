package ledger

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceReplayPerDevice(t *testing.T) {
	l := New(DefaultOptions())
	assert.True(t, l.CheckAndRecordNonce(42, 7))
	assert.False(t, l.CheckAndRecordNonce(42, 7))
	assert.True(t, l.CheckAndRecordNonce(43, 7), "other devices keep their own history")
	assert.True(t, l.CheckAndRecordNonce(42, 8))
}

func TestSeenNonceDoesNotRecord(t *testing.T) {
	l := New(DefaultOptions())
	assert.False(t, l.SeenNonce(1, 5))
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.CheckAndRecordNonce(1, 5))
	assert.True(t, l.SeenNonce(1, 5))
	assert.False(t, l.SeenNonce(1, 6))
}

func TestNonceWindowEvictsOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.NonceWindow = 3
	l := New(opts)
	for n := uint64(1); n <= 3; n++ {
		require.True(t, l.CheckAndRecordNonce(1, n))
	}
	require.True(t, l.CheckAndRecordNonce(1, 4))
	assert.True(t, l.CheckAndRecordNonce(1, 1), "nonce 1 fell out of the window")
	assert.False(t, l.CheckAndRecordNonce(1, 3))
	assert.False(t, l.CheckAndRecordNonce(1, 4))
	snap, ok := l.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, 3, snap.NonceCount)
}

func TestConcurrentSameNonceOnlyOnePasses(t *testing.T) {
	l := New(DefaultOptions())
	var passed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndRecordNonce(9, 1234) {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), passed.Load())
}

func TestConcurrentDevices(t *testing.T) {
	l := New(DefaultOptions())
	var wg sync.WaitGroup
	for d := uint64(0); d < 32; d++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for n := uint64(0); n < 100; n++ {
				if !l.CheckAndRecordNonce(id, n) {
					t.Errorf("device %d nonce %d rejected", id, n)
				}
				l.UpdateTrust(id, OutcomePass)
			}
		}(d)
	}
	wg.Wait()
	assert.Equal(t, 32, l.Len())
}

func TestTimestampHistory(t *testing.T) {
	l := New(DefaultOptions())
	_, had := l.CheckAndRecordTimestamp(1, 100)
	assert.False(t, had)
	prev, had := l.CheckAndRecordTimestamp(1, 150)
	assert.True(t, had)
	assert.Equal(t, uint64(100), prev)
	prev, _ = l.CheckAndRecordTimestamp(1, 120)
	assert.Equal(t, uint64(150), prev)
	prev, _ = l.CheckAndRecordTimestamp(1, 160)
	assert.Equal(t, uint64(150), prev, "regressed timestamps are not kept")
}

func TestTrustEMA(t *testing.T) {
	l := New(DefaultOptions())
	assert.Equal(t, 1.0, l.Trust(5).Score, "first-seen devices start neutral")

	tr := l.UpdateTrust(5, OutcomeFail)
	assert.InDelta(t, 0.9, tr.Score, 1e-9)
	assert.Equal(t, 1, tr.Streak)
	assert.False(t, tr.Suspicious)

	tr = l.UpdateTrust(5, OutcomePass)
	assert.InDelta(t, 0.91, tr.Score, 1e-9)
	assert.Equal(t, 0, tr.Streak)
}

func TestSuspiciousByStreak(t *testing.T) {
	l := New(DefaultOptions())
	var tr Trust
	for i := 0; i < 3; i++ {
		tr = l.UpdateTrust(5, OutcomeFail)
	}
	assert.False(t, tr.Suspicious, "streak equal to threshold is not suspicious")
	tr = l.UpdateTrust(5, OutcomeFail)
	assert.True(t, tr.Suspicious)
	assert.Equal(t, 4, tr.Streak)
}

func TestSuspiciousByFloor(t *testing.T) {
	opts := DefaultOptions()
	opts.StreakThreshold = 1000
	opts.TrustDecay = 0.5
	l := New(opts)
	l.UpdateTrust(5, OutcomeFail)
	tr := l.UpdateTrust(5, OutcomeFail)
	assert.InDelta(t, 0.25, tr.Score, 1e-9)
	assert.True(t, tr.Suspicious)
	assert.True(t, l.Trust(5).Suspicious)
}

func TestMaxDevicesEvictsLeastRecent(t *testing.T) {
	var evicted []uint64
	opts := DefaultOptions()
	opts.MaxDevices = 2
	opts.OnEvict = func(id uint64) { evicted = append(evicted, id) }
	l := New(opts)
	l.CheckAndRecordNonce(1, 1)
	l.CheckAndRecordNonce(2, 1)
	l.CheckAndRecordNonce(1, 2)
	l.CheckAndRecordNonce(3, 1)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []uint64{2}, evicted)
	_, ok := l.Snapshot(2)
	assert.False(t, ok)
}

func TestIdleTTL(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleTTL = 50 * time.Millisecond
	l := New(opts)
	defer l.Close()
	l.CheckAndRecordNonce(1, 1)
	require.Equal(t, 1, l.Len())
	time.Sleep(120 * time.Millisecond)
	assert.True(t, l.CheckAndRecordNonce(1, 1), "expired record forgets its nonces")
}

func TestIdleTTLWithClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	opts := DefaultOptions()
	opts.IdleTTL = time.Hour
	opts.Now = func() time.Time { return now }
	l := New(opts)
	defer l.Close()

	l.CheckAndRecordNonce(1, 1)
	now = now.Add(30 * time.Minute)
	assert.False(t, l.CheckAndRecordNonce(1, 1), "use within the ttl keeps the record")
	now = now.Add(59 * time.Minute)
	assert.True(t, l.Known(1))
	now = now.Add(2 * time.Minute)
	assert.False(t, l.Known(1))
	assert.Equal(t, 0, l.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleTTL = time.Minute
	l := New(opts)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, l.CheckAndRecordNonce(1, 1), "ledger stays usable after Close")
}

func TestUpdateTrustIfKnown(t *testing.T) {
	l := New(DefaultOptions())
	trust, ok := l.UpdateTrustIfKnown(9, OutcomeFail)
	assert.False(t, ok)
	assert.Equal(t, 1.0, trust.Score)
	assert.Equal(t, 0, l.Len())

	l.UpdateTrust(9, OutcomePass)
	trust, ok = l.UpdateTrustIfKnown(9, OutcomeFail)
	assert.True(t, ok)
	assert.Equal(t, 1, trust.Streak)
	snap, _ := l.Snapshot(9)
	assert.Equal(t, uint64(2), snap.Packets)
}

func TestSnapshotAndReset(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	opts := DefaultOptions()
	opts.Now = func() time.Time { return now }
	l := New(opts)
	l.CheckAndRecordNonce(7, 1)
	l.CheckAndRecordTimestamp(7, 1000)
	l.UpdateTrust(7, OutcomeFail)

	snap, ok := l.Snapshot(7)
	require.True(t, ok)
	assert.Equal(t, uint64(7), snap.DeviceID)
	assert.Equal(t, uint64(1000), snap.LastTimestamp)
	assert.Equal(t, uint64(1), snap.Packets)
	assert.Equal(t, uint64(1), snap.Rejections)
	assert.Equal(t, now, snap.FirstSeen)
	assert.Len(t, l.Snapshots(), 1)

	assert.True(t, l.Forget(7))
	assert.Equal(t, 0, l.Len())
	l.CheckAndRecordNonce(8, 1)
	l.Reset()
	assert.Equal(t, 0, l.Len())
}

func TestLedgersAreIndependent(t *testing.T) {
	a := New(DefaultOptions())
	b := New(DefaultOptions())
	assert.True(t, a.CheckAndRecordNonce(1, 1))
	assert.True(t, b.CheckAndRecordNonce(1, 1))
}
