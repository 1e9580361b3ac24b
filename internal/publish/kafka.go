package publish

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
)

// Publisher forwards verdicts to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, res *model.ProcessResult) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per verdict, keyed by device id so a
// device's verdicts stay on one partition.
type KafkaPublisher struct {
	w            messageWriter
	enc          Encoding
	onlyRejected bool
	logger       *slog.Logger
}

// NewKafka returns nil when publishing is disabled.
func NewKafka(cfg config.KafkaPublishConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	enc, err := ParseEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	if logger != nil {
		logger.Info("kafka publish enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "encoding", enc)
	}
	return newKafkaPublisher(w, enc, cfg.OnlyRejected, logger), nil
}

func newKafkaPublisher(w messageWriter, enc Encoding, onlyRejected bool, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, enc: enc, onlyRejected: onlyRejected, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, res *model.ProcessResult) error {
	if p == nil || res == nil {
		return nil
	}
	if p.onlyRejected && res.VerifyResult.Valid {
		return nil
	}
	value, err := Encode(res, p.enc)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(res.CorePacket.DeviceID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte(p.enc.ContentType())},
			{Key: "valid", Value: []byte(strconv.FormatBool(res.VerifyResult.Valid))},
		},
	}
	return p.w.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}
