package ingest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"telemetrygate/internal/config"
	"telemetrygate/internal/engine"
	"telemetrygate/internal/fields"
	"telemetrygate/internal/model"
	"telemetrygate/internal/pipeline"
)

const restSecret = "rest-test-secret"

func restEngine(t *testing.T) (*config.Manager, *engine.Engine, func(device, nonce uint64) []byte) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Session.Secret = restSecret
	cfg.Session.SecretEnv = ""
	now := time.Unix(1_700_000_000, 0).UTC()
	eng, err := engine.NewEngine(cfg, engine.Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	sign := func(device, nonce uint64) []byte {
		raw, err := pipeline.Sign(pipeline.Reading{
			Header:    1,
			Timestamp: uint64(now.Unix()),
			DeviceID:  device,
			Nonce:     nonce,
			Values:    []pipeline.Value{{Name: "temperature", Value: 21}},
		}, fields.DefaultRegistry(), cfg.Session.Binary, []byte(restSecret))
		require.NoError(t, err)
		return raw
	}
	return config.NewStaticManager(cfg), eng, sign
}

func post(t *testing.T, h http.Handler, contentType, accept string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/packets", bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRESTBinaryBody(t *testing.T) {
	mgr, eng, sign := restEngine(t)
	h := NewRESTServer(mgr, eng, nil).Handler()

	rec := post(t, h, "application/octet-stream", "", sign(42, 7))
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, true, got["verify_result"]["valid"])
	require.EqualValues(t, 42, got["core_packet"]["device_id"])
}

func TestRESTHexTextAndReplay(t *testing.T) {
	mgr, eng, sign := restEngine(t)
	h := NewRESTServer(mgr, eng, nil).Handler()
	line := hex.EncodeToString(sign(42, 7))

	rec := post(t, h, "text/plain", "", []byte(line+"\n"+line+"\n"))
	require.Equal(t, http.StatusOK, rec.Code)
	var items []struct {
		Result *struct {
			VerifyResult struct {
				Valid bool `json:"valid"`
				Flags struct {
					NonceReuse bool `json:"nonce_reuse"`
				} `json:"flags"`
			} `json:"verify_result"`
		} `json:"result"`
		Alerts []model.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	require.True(t, items[0].Result.VerifyResult.Valid)
	require.False(t, items[1].Result.VerifyResult.Valid)
	require.True(t, items[1].Result.VerifyResult.Flags.NonceReuse)
	require.NotEmpty(t, items[1].Alerts)
}

func TestRESTJSONEnvelopeCBORResponse(t *testing.T) {
	mgr, eng, sign := restEngine(t)
	h := NewRESTServer(mgr, eng, nil).Handler()
	body, _ := json.Marshal(map[string]string{
		"payload":     hex.EncodeToString(sign(5, 1)),
		"gateway":     "gw-9",
		"received_at": "2026-01-01T00:00:00Z",
	})

	rec := post(t, h, "application/json", "application/cbor", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/cbor", rec.Header().Get("Content-Type"))
	var got map[string]any
	require.NoError(t, cbor.Unmarshal(rec.Body.Bytes(), &got))
	require.Contains(t, got, "verify_result")
}

func TestRESTErrors(t *testing.T) {
	mgr, eng, _ := restEngine(t)
	h := NewRESTServer(mgr, eng, nil).Handler()

	rec := post(t, h, "text/plain", "", []byte("not-hex"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "application/octet-stream", "", []byte{0x01, 0x02})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "malformed"))

	rec = post(t, h, "", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/packets", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

type blockingProcessor struct{}

func (blockingProcessor) ProcessFrame(context.Context, model.Frame) (*model.ProcessResult, []model.Alert, error) {
	return nil, []model.Alert{{DeviceID: 13, AlertType: "blocked_device"}}, engine.ErrBlocked
}

func TestRESTBlockedDevice(t *testing.T) {
	mgr := config.NewStaticManager(config.DefaultConfig())
	h := NewRESTServer(mgr, blockingProcessor{}, nil).Handler()
	rec := post(t, h, "application/octet-stream", "", []byte{0x01})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "blocked_device")
}
