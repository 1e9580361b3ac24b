package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
)

func openSQLite(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "gate.db") + "?_pragma=busy_timeout(5000)"
	st, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func result(device, nonce uint64, valid bool, score float64) *model.ProcessResult {
	set := model.NewFieldSet()
	set.Add(model.Field{Name: "temperature", Value: 23.5})
	return &model.ProcessResult{
		CorePacket: model.CorePacket{Header: 1, Timestamp: 1700000000, DeviceID: device, Nonce: nonce, Fields: set, Hash: "deadbeef"},
		VerifyResult: model.VerifyResult{
			Valid:          valid,
			IntegrityScore: score,
			Flags:          model.Flags{NonceReuse: !valid, ValueOutOfRange: []string{}},
		},
	}
}

func TestSQLiteResultsRoundTrip(t *testing.T) {
	st := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveResult(ctx, NewResultRecord(result(42, 7, true, 96.7), "rest", base)))
	require.NoError(t, st.SaveResult(ctx, NewResultRecord(result(42, 7, false, 36.7), "udp", base.Add(time.Second))))
	require.NoError(t, st.SaveResult(ctx, NewResultRecord(result(9, 1, true, 100), "rest", base)))

	got, err := st.ListResults(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "udp", got[0].Source, "newest first")
	require.False(t, got[0].Valid)
	require.True(t, got[0].Verify.Flags.NonceReuse)
	require.Equal(t, base.Add(time.Second), got[0].ReceivedAt)
	require.Equal(t, uint64(7), got[1].Nonce)
	require.InDelta(t, 96.7, got[1].Score, 1e-9)
	require.Len(t, got[1].ID, 36)

	var core map[string]any
	require.NoError(t, json.Unmarshal(got[1].Core, &core))
	require.Equal(t, map[string]any{"temperature": 23.5}, core["fields"])

	limited, err := st.ListResults(ctx, 42, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestSQLiteKeepsFullDeviceRange(t *testing.T) {
	st := openSQLite(t)
	ctx := context.Background()
	const big = uint64(1<<64 - 1)
	require.NoError(t, st.SaveResult(ctx, NewResultRecord(result(big, big, true, 100), "kafka", time.Now())))
	got, err := st.ListResults(ctx, big, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, big, got[0].DeviceID)
	require.Equal(t, big, got[0].Nonce)
}

func TestSQLiteAlertsAndMetrics(t *testing.T) {
	st := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, st.SaveAlert(ctx, model.Alert{
		Timestamp: time.Now(),
		DeviceID:  42,
		Severity:  model.SeverityCritical,
		AlertType: "integrity_failure",
		Rules:     []string{"hash_mismatch"},
	}))
	require.NoError(t, st.SaveMetrics(ctx, 42, []model.WindowMetrics{
		{WindowSec: 10, Packets: 4, Rejected: 1, PPS: 0.4, RejectRatio: 0.25, MeanScore: 90, Jitter: 0.1},
		{WindowSec: 60, Packets: 4, Rejected: 1},
	}))
	require.NoError(t, st.SaveMetrics(ctx, 42, nil))
}

func TestNewStoreDisabledAndUnknown(t *testing.T) {
	st, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "oracle"})
	require.Error(t, err)
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &sqlStore{d: postgresDialect}
	require.Equal(t, "INSERT INTO alerts (a, b) VALUES ($1, $2)", s.insert("alerts", "a", "b"))
	s = &sqlStore{d: sqliteDialect}
	require.Equal(t, "INSERT INTO alerts (a, b) VALUES (?, ?)", s.insert("alerts", "a", "b"))
}
