package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			received_ns INTEGER NOT NULL,
			source TEXT NOT NULL,
			device_id TEXT NOT NULL,
			nonce TEXT NOT NULL,
			packet_ts TEXT NOT NULL,
			valid BOOLEAN NOT NULL,
			score REAL NOT NULL,
			core_json TEXT NOT NULL,
			verify_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_device ON results(device_id, received_ns)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ns INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			score REAL NOT NULL,
			rules_json TEXT NOT NULL,
			context_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts_ns)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ns INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			packets INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			pps REAL NOT NULL,
			reject_ratio REAL NOT NULL,
			mean_score REAL NOT NULL,
			jitter REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_device_window ON metrics(device_id, window_sec)`,
	},
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:telemetrygate.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	return &sqlStore{db: db, d: sqliteDialect}, nil
}
