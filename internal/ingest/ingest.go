package ingest

import (
	"context"
	"log/slog"
	"time"

	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
	"telemetrygate/internal/normalize"
)

// Processor verifies a frame synchronously.
type Processor interface {
	ProcessFrame(ctx context.Context, fr model.Frame) (*model.ProcessResult, []model.Alert, error)
}

func SendNonBlocking(ctx context.Context, out chan<- model.Frame, fr model.Frame, logger *slog.Logger) bool {
	select {
	case out <- fr:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("frame channel full, dropping frame", "source", fr.Source, "remote", fr.Remote, "received_at", fr.ReceivedAt)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// processLine parses, normalizes and enqueues one text line.
func processLine(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Frame, logger *slog.Logger, source, remote, line string) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return
	}
	fr, err := normalize.Normalize(*fields, cfg.Get())
	if err != nil {
		if logger != nil {
			logger.Warn("frame normalize error", "source", source, "err", err)
		}
		return
	}
	fr.Source = source
	if fr.Remote == "" {
		fr.Remote = remote
	}
	SendNonBlocking(ctx, out, fr, logger)
}
