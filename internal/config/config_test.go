package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"telemetrygate/internal/model"
)

func TestParseYAMLOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
session:
  secret: "hex:73656372"
  binary:
    timestamp_len: 4
    device_id_len: 2
    nonce_len: 4
    hash_alg: blake2s-256
    hash_len: 16
  verify:
    max_age_seconds: 60
    hash_alg: blake2s-256
    hash_len: 16
    field_ranges:
      temperature: {min: -40, max: 85}
  mode: strict
ledger:
  idle_ttl: 2h
detection:
  windows: [5s, 30s]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Session.Binary.DeviceIDLen != 2 || cfg.Session.Binary.HashLen != 16 {
		t.Fatalf("binary = %+v", cfg.Session.Binary)
	}
	if cfg.Session.Verify.Weights != model.EqualWeights() {
		t.Fatalf("weights should default to equal, got %+v", cfg.Session.Verify.Weights)
	}
	if cfg.Session.Verify.Freshness != model.FreshnessLinear {
		t.Fatalf("freshness = %q", cfg.Session.Verify.Freshness)
	}
	if r := cfg.Session.Verify.FieldRanges["temperature"]; r.Min != -40 || r.Max != 85 {
		t.Fatalf("range = %+v", r)
	}
	if cfg.Ledger.IdleTTL != 2*time.Hour || cfg.Ledger.NonceWindow != 4096 {
		t.Fatalf("ledger = %+v", cfg.Ledger)
	}
	if len(cfg.Detection.Windows) != 2 || cfg.Detection.Windows[0] != 5*time.Second {
		t.Fatalf("windows = %v", cfg.Detection.Windows)
	}
	if len(cfg.Session.Fields) != 3 {
		t.Fatalf("expected default field registry, got %d specs", len(cfg.Session.Fields))
	}
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"log_level":"warn","api":{"enabled":true,"addr":":9999"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.API.Addr != ":9999" {
		t.Fatalf("unexpected cfg: %+v", cfg.API)
	}
}

func TestValidateRejectsSessionMismatch(t *testing.T) {
	cases := map[string]string{
		"hash_len": `
session:
  binary: {timestamp_len: 4, device_id_len: 4, nonce_len: 4, hash_alg: hmac-sha256, hash_len: 8}
  verify: {max_age_seconds: 300, hash_alg: hmac-sha256, hash_len: 16}
`,
		"hash_alg": `
session:
  binary: {timestamp_len: 4, device_id_len: 4, nonce_len: 4, hash_alg: hmac-sha256, hash_len: 8}
  verify: {max_age_seconds: 300, hash_alg: blake2b-256, hash_len: 8}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			if !errors.Is(err, model.ErrConfigMismatch) {
				t.Fatalf("expected ErrConfigMismatch, got %v", err)
			}
		})
	}
}

func TestValidateRejectsBadSections(t *testing.T) {
	docs := []string{
		"ingest:\n  parser:\n    encoding: base32\n",
		"publish:\n  kafka:\n    enabled: true\n",
		"publish:\n  kafka:\n    encoding: xml\n",
		"session:\n  mode: paranoid\n",
		"ledger:\n  trust_decay: 1.5\n",
		"ingest:\n  file_tail:\n    enabled: true\n",
		"session:\n  fields:\n    - {type_id: 1, name: a, rule: uint8}\n    - {type_id: 1, name: b, rule: uint8}\n",
	}
	for _, doc := range docs {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse([]byte("  \n")); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestResolveSecret(t *testing.T) {
	s := SessionConfig{Secret: "inline-key"}
	got, err := ResolveSecret(s)
	if err != nil || string(got) != "inline-key" {
		t.Fatalf("inline: %q %v", got, err)
	}

	s = SessionConfig{Secret: "hex:0a0b"}
	got, err = ResolveSecret(s)
	if err != nil || len(got) != 2 || got[0] != 0x0a {
		t.Fatalf("hex: %x %v", got, err)
	}

	t.Setenv("TG_TEST_SECRET", "from-env")
	s = SessionConfig{Secret: "inline-key", SecretEnv: "TG_TEST_SECRET"}
	got, err = ResolveSecret(s)
	if err != nil || string(got) != "from-env" {
		t.Fatalf("env: %q %v", got, err)
	}

	if _, err := ResolveSecret(SessionConfig{SecretEnv: "TG_TEST_UNSET_SECRET"}); !errors.Is(err, model.ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch for missing secret, got %v", err)
	}
	if _, err := ResolveSecret(SessionConfig{Secret: "hex:zz"}); !errors.Is(err, model.ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch for bad hex, got %v", err)
	}
}

func TestManagerUpdateAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	if err := Save(path, DefaultConfig()); err != nil {
		t.Fatalf("save: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	cfg := *m.Get()
	cfg.AccessControl.Enabled = true
	cfg.AccessControl.Denylist = []uint64{7}
	if err := m.Update(&cfg); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.AccessControl.Enabled || len(reloaded.AccessControl.Denylist) != 1 {
		t.Fatalf("access control not persisted: %+v", reloaded.AccessControl)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config file mode = %v", info.Mode().Perm())
	}
}

func TestLedgerOptions(t *testing.T) {
	opts := DefaultConfig().Ledger.Options()
	if opts.NonceWindow != 4096 || opts.TrustDecay != 0.9 || opts.StreakThreshold != 3 {
		t.Fatalf("options = %+v", opts)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "telemetrygate.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Session.SecretEnv != "TELEMETRYGATE_SECRET" || cfg.Session.Secret != "" {
		t.Fatalf("shipped config must not carry an inline secret")
	}
	if len(cfg.Detection.Windows) != 2 || cfg.Detection.Windows[1] != time.Minute {
		t.Fatalf("unexpected windows %v", cfg.Detection.Windows)
	}
	if cfg.Ledger.IdleTTL != 24*time.Hour {
		t.Fatalf("unexpected idle ttl %v", cfg.Ledger.IdleTTL)
	}
	if len(cfg.Session.Fields) != 3 {
		t.Fatalf("expected 3 field specs, got %d", len(cfg.Session.Fields))
	}
}
