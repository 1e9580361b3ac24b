package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"telemetrygate/internal/fields"
	"telemetrygate/internal/hasher"
	"telemetrygate/internal/ledger"
	"telemetrygate/internal/model"
)

type Config struct {
	LogLevel      string              `json:"log_level" yaml:"log_level"`
	Log           LogConfig           `json:"log" yaml:"log"`
	Session       SessionConfig       `json:"session" yaml:"session"`
	Ledger        LedgerConfig        `json:"ledger" yaml:"ledger"`
	Ingest        IngestConfig        `json:"ingest" yaml:"ingest"`
	Detection     DetectionConfig     `json:"detection" yaml:"detection"`
	AccessControl AccessControlConfig `json:"access_control" yaml:"access_control"`
	Publish       PublishConfig       `json:"publish" yaml:"publish"`
	API           APIConfig           `json:"api" yaml:"api"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
	Alerts        AlertsConfig        `json:"alerts" yaml:"alerts"`
}

type LogConfig struct {
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// SessionConfig is everything a verification session is fixed to. Secret may
// be given inline (plain or "hex:" prefixed) or through the SecretEnv variable.
type SessionConfig struct {
	Secret    string             `json:"secret,omitempty" yaml:"secret,omitempty"`
	SecretEnv string             `json:"secret_env" yaml:"secret_env"`
	Binary    model.BinaryConfig `json:"binary" yaml:"binary"`
	Verify    model.VerifyConfig `json:"verify" yaml:"verify"`
	Fields    []fields.Spec      `json:"fields" yaml:"fields"`
	Mode      string             `json:"mode" yaml:"mode"`
}

type LedgerConfig struct {
	NonceWindow     int           `json:"nonce_window" yaml:"nonce_window"`
	TrustDecay      float64       `json:"trust_decay" yaml:"trust_decay"`
	TrustFloor      float64       `json:"trust_floor" yaml:"trust_floor"`
	StreakThreshold int           `json:"streak_threshold" yaml:"streak_threshold"`
	MaxDevices      int           `json:"max_devices" yaml:"max_devices"`
	IdleTTL         time.Duration `json:"idle_ttl" yaml:"idle_ttl"`
}

// Options maps the section onto ledger options; zero values fall back to the
// ledger defaults.
func (c LedgerConfig) Options() ledger.Options {
	return ledger.Options{
		NonceWindow:     c.NonceWindow,
		TrustDecay:      c.TrustDecay,
		TrustFloor:      c.TrustFloor,
		StreakThreshold: c.StreakThreshold,
		MaxDevices:      c.MaxDevices,
		IdleTTL:         c.IdleTTL,
	}
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int             `json:"workers" yaml:"workers"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	UDP           UDPConfig       `json:"udp" yaml:"udp"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type UDPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	// Encoding of bare text payloads: hex or base64.
	Encoding string `json:"encoding" yaml:"encoding"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

type DetectionConfig struct {
	Windows        []time.Duration `json:"windows" yaml:"windows"`
	AlertCooldown  time.Duration   `json:"alert_cooldown" yaml:"alert_cooldown"`
	DedupeWindow   time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	AlertOnAnomaly bool            `json:"alert_on_anomaly" yaml:"alert_on_anomaly"`
}

type AccessControlConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	AllowlistOnly bool     `json:"allowlist_only" yaml:"allowlist_only"`
	Allowlist     []uint64 `json:"allowlist" yaml:"allowlist"`
	Denylist      []uint64 `json:"denylist" yaml:"denylist"`
}

type PublishConfig struct {
	Kafka KafkaPublishConfig `json:"kafka" yaml:"kafka"`
}

type KafkaPublishConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Brokers      []string `json:"brokers" yaml:"brokers"`
	Topic        string   `json:"topic" yaml:"topic"`
	Encoding     string   `json:"encoding" yaml:"encoding"`
	OnlyRejected bool     `json:"only_rejected" yaml:"only_rejected"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Log:      LogConfig{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Session: SessionConfig{
			SecretEnv: "TELEMETRYGATE_SECRET",
			Binary: model.BinaryConfig{
				TimestampLen: 4,
				DeviceIDLen:  4,
				NonceLen:     4,
				HashAlg:      model.HashHMACSHA256,
				HashLen:      8,
			},
			Verify: model.VerifyConfig{
				MaxAgeSeconds: 300,
				HashAlg:       model.HashHMACSHA256,
				HashLen:       8,
				Weights:       model.EqualWeights(),
				Freshness:     model.FreshnessLinear,
			},
			Fields: fields.DefaultSpecs(),
			Mode:   string(fields.ModeLenient),
		},
		Ledger: LedgerConfig{
			NonceWindow:     4096,
			TrustDecay:      0.9,
			TrustFloor:      0.5,
			StreakThreshold: 3,
			MaxDevices:      100000,
			IdleTTL:         24 * time.Hour,
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       4,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			UDP:           UDPConfig{Enabled: false, Addr: ":1700"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Encoding: "hex", Timezone: "UTC"},
		},
		Detection: DetectionConfig{
			Windows:        []time.Duration{10 * time.Second, 60 * time.Second},
			AlertCooldown:  5 * time.Second,
			DedupeWindow:   0,
			AlertOnAnomaly: true,
		},
		AccessControl: AccessControlConfig{Enabled: false},
		Publish: PublishConfig{
			Kafka: KafkaPublishConfig{Enabled: false, Encoding: "json"},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:telemetrygate.db?_pragma=busy_timeout(5000)"},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes JSON or YAML content over the defaults.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if len(cfg.Detection.Windows) == 0 {
		cfg.Detection.Windows = def.Detection.Windows
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.Parser.Encoding == "" {
		cfg.Ingest.Parser.Encoding = "hex"
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if len(cfg.Session.Fields) == 0 {
		cfg.Session.Fields = fields.DefaultSpecs()
	}
	if cfg.Session.Verify.Weights.Total() == 0 {
		cfg.Session.Verify.Weights = model.EqualWeights()
	}
	if cfg.Session.Verify.Freshness == "" {
		cfg.Session.Verify.Freshness = model.FreshnessLinear
	}
	if cfg.Publish.Kafka.Encoding == "" {
		cfg.Publish.Kafka.Encoding = "json"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.UDP.Enabled && cfg.Ingest.UDP.Addr == "" {
		return errors.New("ingest.udp.addr required when ingest.udp.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Ingest.Parser.Encoding) {
	case "hex", "base64":
	default:
		return fmt.Errorf("ingest.parser.encoding must be hex or base64, got %q", cfg.Ingest.Parser.Encoding)
	}
	if cfg.Publish.Kafka.Enabled {
		if len(cfg.Publish.Kafka.Brokers) == 0 || cfg.Publish.Kafka.Topic == "" {
			return errors.New("publish.kafka requires brokers and topic")
		}
	}
	switch strings.ToLower(cfg.Publish.Kafka.Encoding) {
	case "json", "cbor":
	default:
		return fmt.Errorf("publish.kafka.encoding must be json or cbor, got %q", cfg.Publish.Kafka.Encoding)
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if cfg.Ledger.TrustDecay < 0 || cfg.Ledger.TrustDecay >= 1 {
		return errors.New("ledger.trust_decay must be in [0,1)")
	}
	if cfg.Ledger.TrustFloor < 0 || cfg.Ledger.TrustFloor > 1 {
		return errors.New("ledger.trust_floor must be in [0,1]")
	}
	if cfg.Ledger.MaxDevices < 0 || cfg.Ledger.IdleTTL < 0 {
		return errors.New("ledger.max_devices and ledger.idle_ttl must not be negative")
	}
	for _, win := range cfg.Detection.Windows {
		if win <= 0 {
			return fmt.Errorf("detection.windows contains non-positive duration: %s", win)
		}
	}
	return nil
}

// validateSession catches session faults at load time; the pipeline repeats
// the binding checks when it is built.
func validateSession(s SessionConfig) error {
	if _, err := hasher.ParseAlgorithm(string(s.Binary.HashAlg)); err != nil {
		return fmt.Errorf("session.binary.hash_alg: %w", err)
	}
	if s.Binary.HashLen != s.Verify.HashLen {
		return fmt.Errorf("%w: session.binary.hash_len %d != session.verify.hash_len %d", model.ErrConfigMismatch, s.Binary.HashLen, s.Verify.HashLen)
	}
	if s.Binary.HashAlg != s.Verify.HashAlg {
		return fmt.Errorf("%w: session.binary.hash_alg %q != session.verify.hash_alg %q", model.ErrConfigMismatch, s.Binary.HashAlg, s.Verify.HashAlg)
	}
	if s.Verify.MaxAgeSeconds <= 0 {
		return errors.New("session.verify.max_age_seconds must be > 0")
	}
	if _, err := fields.ParseMode(s.Mode); err != nil {
		return fmt.Errorf("session.mode: %w", err)
	}
	if _, err := fields.NewRegistry(s.Fields); err != nil {
		return fmt.Errorf("session.fields: %w", err)
	}
	return nil
}

// ResolveSecret returns the session key material. The environment variable
// wins over the inline value.
func ResolveSecret(s SessionConfig) ([]byte, error) {
	raw := s.Secret
	if s.SecretEnv != "" {
		if v, ok := os.LookupEnv(s.SecretEnv); ok && v != "" {
			raw = v
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: no secret configured (session.secret or $%s)", model.ErrConfigMismatch, s.SecretEnv)
	}
	if rest, ok := strings.CutPrefix(raw, "hex:"); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: secret is not valid hex", model.ErrConfigMismatch)
		}
		return b, nil
	}
	return []byte(raw), nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if m.path == "" {
		return nil
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
