package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"telemetrygate/internal/config"
	"telemetrygate/internal/engine"
	"telemetrygate/internal/model"
	"telemetrygate/internal/normalize"
	"telemetrygate/internal/publish"
)

const maxBody = 2 << 20

// RESTServer verifies packets synchronously and answers with the verdict.
type RESTServer struct {
	cfg    *config.Manager
	proc   Processor
	logger *slog.Logger
}

type restItem struct {
	Result *model.ProcessResult `json:"result,omitempty"`
	Alerts []model.Alert        `json:"alerts,omitempty"`
	Error  string               `json:"error,omitempty"`
}

func NewRESTServer(cfg *config.Manager, proc Processor, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, proc: proc, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/packets", s.handlePackets)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, proc Processor, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, proc, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

// handlePackets accepts a raw binary body (application/octet-stream), a JSON
// envelope or array of envelopes, or text with one encoded packet per line.
// A single packet is answered with its result; several with a list.
func (s *RESTServer) handlePackets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	enc := publish.Negotiate(r.Header.Get("Accept"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.writeError(w, enc, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(body) == 0 {
		s.writeError(w, enc, http.StatusBadRequest, errors.New("empty body"))
		return
	}
	frames, err := s.framesFromBody(r, body)
	if err != nil {
		s.writeError(w, enc, http.StatusBadRequest, err)
		return
	}
	if len(frames) == 0 {
		s.writeError(w, enc, http.StatusBadRequest, errors.New("no packets in body"))
		return
	}

	if len(frames) == 1 {
		res, alerts, err := s.proc.ProcessFrame(r.Context(), frames[0])
		if err != nil {
			item := restItem{Alerts: alerts, Error: err.Error()}
			s.write(w, enc, statusFor(err), item)
			return
		}
		s.write(w, enc, http.StatusOK, res)
		return
	}

	items := make([]restItem, 0, len(frames))
	for _, fr := range frames {
		res, alerts, err := s.proc.ProcessFrame(r.Context(), fr)
		item := restItem{Result: res, Alerts: alerts}
		if err != nil {
			item.Error = err.Error()
		}
		items = append(items, item)
	}
	s.write(w, enc, http.StatusOK, items)
}

func (s *RESTServer) framesFromBody(r *http.Request, body []byte) ([]model.Frame, error) {
	now := time.Now().UTC()
	remote := r.RemoteAddr
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/octet-stream" {
		return []model.Frame{{Payload: body, Source: "rest", Remote: remote, ReceivedAt: now}}, nil
	}
	cfg := s.cfg.Get()
	trim := bytes.TrimSpace(body)
	var envelopes []*normalize.FrameFields
	switch {
	case len(trim) > 0 && trim[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, err
		}
		for _, raw := range list {
			f, err := envelopeFromJSON(raw)
			if err != nil {
				return nil, err
			}
			envelopes = append(envelopes, f)
		}
	case len(trim) > 0 && trim[0] == '{':
		f, err := envelopeFromJSON(trim)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, f)
	default:
		for _, line := range strings.Split(string(trim), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			envelopes = append(envelopes, &normalize.FrameFields{Payload: line})
		}
	}
	frames := make([]model.Frame, 0, len(envelopes))
	for _, f := range envelopes {
		fr, err := normalize.Normalize(*f, cfg)
		if err != nil {
			return nil, err
		}
		fr.Source = "rest"
		if fr.Remote == "" {
			fr.Remote = remote
		}
		frames = append(frames, fr)
	}
	return frames, nil
}

// envelopeFromJSON accepts either an envelope object or a bare payload string.
func envelopeFromJSON(raw []byte) (*normalize.FrameFields, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &normalize.FrameFields{Payload: s}, nil
	}
	return ParseJSONBytes(raw)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrDuplicateFrame):
		return http.StatusConflict
	case errors.Is(err, model.ErrMalformedPacket):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *RESTServer) writeError(w http.ResponseWriter, enc publish.Encoding, status int, err error) {
	s.write(w, enc, status, restItem{Error: err.Error()})
}

func (s *RESTServer) write(w http.ResponseWriter, enc publish.Encoding, status int, v any) {
	data, err := publish.Encode(v, enc)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("rest encode error", "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", enc.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
