package storage

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS results (
			id UUID PRIMARY KEY,
			received_ns BIGINT NOT NULL,
			source TEXT NOT NULL,
			device_id TEXT NOT NULL,
			nonce TEXT NOT NULL,
			packet_ts TEXT NOT NULL,
			valid BOOLEAN NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			core_json TEXT NOT NULL,
			verify_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_device ON results(device_id, received_ns)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			ts_ns BIGINT NOT NULL,
			device_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			rules_json JSONB NOT NULL,
			context_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts_ns)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id BIGSERIAL PRIMARY KEY,
			ts_ns BIGINT NOT NULL,
			device_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			packets INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			pps DOUBLE PRECISION NOT NULL,
			reject_ratio DOUBLE PRECISION NOT NULL,
			mean_score DOUBLE PRECISION NOT NULL,
			jitter DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_device_window ON metrics(device_id, window_sec)`,
	},
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/telemetrygate?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, d: postgresDialect}, nil
}
