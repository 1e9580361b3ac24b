package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
)

// StartKafka consumes raw binary packets, one per message value.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Frame, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			if len(m.Value) == 0 {
				continue
			}
			SendNonBlocking(ctx, out, messageFrame(m), logger)
		}
	}()
}

func messageFrame(m kafka.Message) model.Frame {
	received := m.Time.UTC()
	if m.Time.IsZero() {
		received = time.Now().UTC()
	}
	return model.Frame{
		Payload:    m.Value,
		Source:     "kafka",
		Remote:     m.Topic + "/" + strconv.Itoa(m.Partition) + "@" + strconv.FormatInt(m.Offset, 10),
		ReceivedAt: received,
	}
}
