package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"telemetrygate/internal/alerts"
	"telemetrygate/internal/config"
	"telemetrygate/internal/engine"
	"telemetrygate/internal/ledger"
	"telemetrygate/internal/metrics"
	"telemetrygate/internal/model"
	"telemetrygate/internal/storage"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config) error
	Stats() engine.Stats
	Ledger() *ledger.Ledger
}

type Server struct {
	cfg     *config.Manager
	metrics *metrics.Store
	alerts  *alerts.Store
	engine  EngineControl
	store   storage.Store
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status        string                     `json:"status"`
	Time          string                     `json:"time"`
	Version       string                     `json:"version"`
	ConfigPath    string                     `json:"config_path"`
	Session       sessionStatus              `json:"session"`
	Ledger        config.LedgerConfig        `json:"ledger"`
	AccessControl config.AccessControlConfig `json:"access_control"`
	Ingest        ingestStatus               `json:"ingest"`
	API           apiStatus                  `json:"api"`
	Detection     detectionStatus            `json:"detection"`
	Engine        *engine.Stats              `json:"engine,omitempty"`
}

// sessionStatus is the session section without key material.
type sessionStatus struct {
	Binary    model.BinaryConfig `json:"binary"`
	MaxAge    int64              `json:"max_age_seconds"`
	Freshness model.Freshness    `json:"freshness"`
	Weights   model.Weights      `json:"weights"`
	Mode      string             `json:"mode"`
	Fields    int                `json:"fields"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	UDP       bool `json:"udp"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	Windows       []string `json:"windows"`
	AlertCooldown string   `json:"alert_cooldown"`
	DedupeWindow  string   `json:"dedupe_window"`
}

func NewServer(cfg *config.Manager, metricsStore *metrics.Store, alertsStore *alerts.Store, eng EngineControl, store storage.Store, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		metrics: metricsStore,
		alerts:  alertsStore,
		engine:  eng,
		store:   store,
		logger:  logger,
		version: version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/", s.handleMetrics)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/devices/", s.handleDevices)
	mux.HandleFunc("/config/access_control", s.handleAccessControl)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/restart", s.handleRestart)
	return mux
}

func Start(ctx context.Context, srv *Server) *http.Server {
	if srv == nil || srv.cfg == nil {
		return nil
	}
	logger := srv.logger
	current := srv.cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	windows := make([]string, 0, len(cfg.Detection.Windows))
	for _, d := range cfg.Detection.Windows {
		windows = append(windows, d.String())
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Session: sessionStatus{
			Binary:    cfg.Session.Binary,
			MaxAge:    cfg.Session.Verify.MaxAgeSeconds,
			Freshness: cfg.Session.Verify.Freshness,
			Weights:   cfg.Session.Verify.Weights,
			Mode:      cfg.Session.Mode,
			Fields:    len(cfg.Session.Fields),
		},
		Ledger:        cfg.Ledger,
		AccessControl: cfg.AccessControl,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			UDP:       cfg.Ingest.UDP.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection: detectionStatus{
			Windows:       windows,
			AlertCooldown: cfg.Detection.AlertCooldown.String(),
			DedupeWindow:  cfg.Detection.DedupeWindow.String(),
		},
	}
	if s.engine != nil {
		st := s.engine.Stats()
		resp.Engine = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/metrics")
	path = strings.TrimPrefix(path, "/")
	if path != "" {
		id, err := strconv.ParseUint(path, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		metrics, updated, ok := s.metrics.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"device_id":  id,
			"updated_at": updated.Format(time.RFC3339Nano),
			"metrics":    metrics,
		})
		return
	}
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Alert
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.alerts.Since(ts)
	case q.Get("device_id") != "":
		id, err := strconv.ParseUint(q.Get("device_id"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.alerts.ForDevice(id, limit)
	default:
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// handleDevices serves ledger snapshots: /devices, /devices/<id> and
// /devices/<id>/results when storage is enabled.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	l := s.engine.Ledger()
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/devices"), "/")
	if path == "" {
		snaps := l.Snapshots()
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].DeviceID < snaps[j].DeviceID })
		if r.URL.Query().Get("suspicious") == "true" {
			filtered := snaps[:0]
			for _, sn := range snaps {
				if sn.Suspicious {
					filtered = append(filtered, sn)
				}
			}
			snaps = filtered
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"devices": snaps,
			"count":   len(snaps),
		})
		return
	}
	parts := strings.Split(path, "/")
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || len(parts) > 2 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "results" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.handleDeviceResults(w, r, id)
		return
	}
	snap, ok := l.Snapshot(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeviceResults(w http.ResponseWriter, r *http.Request, id uint64) {
	if s.store == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.store.ListResults(r.Context(), id, limit)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("list results failed", "device_id", id, "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"results":   rows,
		"count":     len(rows),
	})
}

func (s *Server) handleAccessControl(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.cfg.Get()
		writeJSON(w, http.StatusOK, map[string]any{
			"access_control": cfg.AccessControl,
		})
		return
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var ac config.AccessControlConfig
		if err := json.Unmarshal(body, &ac); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ac.Allowlist = dedupeIDs(ac.Allowlist)
		ac.Denylist = dedupeIDs(ac.Denylist)
		current := s.cfg.Get()
		next := *current
		next.AccessControl = ac
		if s.engine != nil {
			if err := s.engine.UpdateConfig(&next); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
		}
		if err := s.cfg.Update(&next); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if s.logger != nil {
			s.logger.Info("access control updated", "enabled", ac.Enabled, "allow", len(ac.Allowlist), "deny", len(ac.Denylist))
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.metrics.Clear()
		s.alerts.Clear()
	case "alerts":
		s.alerts.Clear()
	case "metrics":
		s.metrics.Clear()
	case "ledger":
		if s.engine != nil {
			s.engine.Ledger().Reset()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

// handleRestart drops all runtime state, including nonce history.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine != nil {
		s.engine.Reset()
	}
	s.metrics.Clear()
	s.alerts.Clear()
	if s.logger != nil {
		s.logger.Warn("runtime state reset via api")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func dedupeIDs(values []uint64) []uint64 {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[uint64]struct{}, len(values))
	out := make([]uint64, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
