package publish

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sample(valid bool) *model.ProcessResult {
	set := model.NewFieldSet()
	set.Add(model.Field{Name: "humidity", Value: 60})
	return &model.ProcessResult{
		CorePacket:   model.CorePacket{DeviceID: 42, Nonce: 7, Fields: set, Hash: "00"},
		VerifyResult: model.VerifyResult{Valid: valid, IntegrityScore: 96.7},
	}
}

func TestKafkaPublishJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, EncodingJSON, false, nil)
	require.NoError(t, p.Publish(context.Background(), sample(true)))
	require.Len(t, w.msgs, 1)
	require.Equal(t, "42", string(w.msgs[0].Key))
	require.Equal(t, ContentTypeJSON, string(w.msgs[0].Headers[0].Value))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	require.Contains(t, got, "core_packet")
	require.NoError(t, p.Close())
	require.True(t, w.closed)
}

func TestKafkaPublishCBOROnlyRejected(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, EncodingCBOR, true, nil)
	require.NoError(t, p.Publish(context.Background(), sample(true)))
	require.Empty(t, w.msgs)
	require.NoError(t, p.Publish(context.Background(), sample(false)))
	require.Len(t, w.msgs, 1)
	require.Equal(t, "false", string(w.msgs[0].Headers[1].Value))

	var got map[string]any
	require.NoError(t, cbor.Unmarshal(w.msgs[0].Value, &got))
	require.Contains(t, got, "verify_result")
}

func TestNewKafkaDisabled(t *testing.T) {
	p, err := NewKafka(config.KafkaPublishConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.Nil(t, p)
	require.NoError(t, p.Publish(context.Background(), sample(false)))
	require.NoError(t, p.Close())
}

func TestNegotiateAndParse(t *testing.T) {
	require.Equal(t, EncodingCBOR, Negotiate("application/cbor"))
	require.Equal(t, EncodingCBOR, Negotiate("text/html, application/cbor;q=0.9"))
	require.Equal(t, EncodingJSON, Negotiate("*/*"))
	require.Equal(t, EncodingJSON, Negotiate(""))

	enc, err := ParseEncoding("CBOR")
	require.NoError(t, err)
	require.Equal(t, EncodingCBOR, enc)
	_, err = ParseEncoding("xml")
	require.Error(t, err)
}
