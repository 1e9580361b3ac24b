package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
)

// Store persists verification results, alerts and window metrics.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveResult(ctx context.Context, rec ResultRecord) error
	SaveAlert(ctx context.Context, alert model.Alert) error
	SaveMetrics(ctx context.Context, deviceID uint64, metrics []model.WindowMetrics) error
	ListResults(ctx context.Context, deviceID uint64, limit int) ([]StoredResult, error)
}

// ResultRecord is one processed frame ready to be written.
type ResultRecord struct {
	ID         string
	ReceivedAt time.Time
	Source     string
	Result     *model.ProcessResult
}

// NewResultRecord stamps res with a fresh id.
func NewResultRecord(res *model.ProcessResult, source string, receivedAt time.Time) ResultRecord {
	return ResultRecord{
		ID:         uuid.NewString(),
		ReceivedAt: receivedAt.UTC(),
		Source:     source,
		Result:     res,
	}
}

type StoredResult struct {
	ID         string             `json:"id"`
	ReceivedAt time.Time          `json:"received_at"`
	Source     string             `json:"source"`
	DeviceID   uint64             `json:"device_id"`
	Nonce      uint64             `json:"nonce"`
	Valid      bool               `json:"valid"`
	Score      float64            `json:"integrity_score"`
	Core       json.RawMessage    `json:"core_packet"`
	Verify     model.VerifyResult `json:"verify_result"`
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// dialect carries what differs between the SQL backends.
type dialect struct {
	schema      []string
	placeholder func(n int) string
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) insert(table string, cols ...string) string {
	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = s.d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(marks, ", "))
}

func (s *sqlStore) SaveResult(ctx context.Context, rec ResultRecord) error {
	if s.db == nil || rec.Result == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	core := rec.Result.CorePacket
	vr := rec.Result.VerifyResult
	_, err := s.db.ExecContext(ctx,
		s.insert("results", "id", "received_ns", "source", "device_id", "nonce", "packet_ts", "valid", "score", "core_json", "verify_json"),
		rec.ID,
		rec.ReceivedAt.UnixNano(),
		rec.Source,
		formatID(core.DeviceID),
		formatID(core.Nonce),
		formatID(core.Timestamp),
		vr.Valid,
		vr.IntegrityScore,
		encodeJSON(core),
		encodeJSON(vr),
	)
	return err
}

func (s *sqlStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		s.insert("alerts", "ts_ns", "device_id", "severity", "alert_type", "score", "rules_json", "context_json"),
		alert.Timestamp.UTC().UnixNano(),
		formatID(alert.DeviceID),
		string(alert.Severity),
		alert.AlertType,
		alert.Score,
		encodeJSON(alert.Rules),
		encodeJSON(alert.Context),
	)
	return err
}

func (s *sqlStore) SaveMetrics(ctx context.Context, deviceID uint64, metrics []model.WindowMetrics) error {
	if s.db == nil || len(metrics) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		s.insert("metrics", "ts_ns", "device_id", "window_sec", "packets", "rejected", "pps", "reject_ratio", "mean_score", "jitter"))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	ts := nowUTC().UnixNano()
	for _, wm := range metrics {
		if _, err := stmt.ExecContext(ctx,
			ts,
			formatID(deviceID),
			wm.WindowSec,
			wm.Packets,
			wm.Rejected,
			wm.PPS,
			wm.RejectRatio,
			wm.MeanScore,
			wm.Jitter,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListResults returns the newest results of one device, newest first.
func (s *sqlStore) ListResults(ctx context.Context, deviceID uint64, limit int) ([]StoredResult, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT id, received_ns, source, device_id, nonce, valid, score, core_json, verify_json
		FROM results WHERE device_id = %s ORDER BY received_ns DESC LIMIT %d`, s.d.placeholder(1), limit)
	rows, err := s.db.QueryContext(ctx, q, formatID(deviceID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]StoredResult, 0)
	for rows.Next() {
		var (
			r               StoredResult
			receivedNS      int64
			dev, nonce      string
			coreJSON, vJSON string
		)
		if err := rows.Scan(&r.ID, &receivedNS, &r.Source, &dev, &nonce, &r.Valid, &r.Score, &coreJSON, &vJSON); err != nil {
			return nil, err
		}
		r.ReceivedAt = time.Unix(0, receivedNS).UTC()
		r.DeviceID, _ = strconv.ParseUint(dev, 10, 64)
		r.Nonce, _ = strconv.ParseUint(nonce, 10, 64)
		r.Core = json.RawMessage(coreJSON)
		if err := json.Unmarshal([]byte(vJSON), &r.Verify); err != nil {
			return nil, fmt.Errorf("decode verify_json of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// formatID keeps the full uint64 range, which database/sql drivers reject
// above MaxInt64.
func formatID(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
