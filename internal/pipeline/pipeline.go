// Package pipeline runs decode, field mapping, hashing and verification for
// one packet at a time. A Pipeline is one verification session: its
// configuration and secret are fixed at construction.
package pipeline

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"telemetrygate/internal/codec"
	"telemetrygate/internal/fields"
	"telemetrygate/internal/hasher"
	"telemetrygate/internal/ledger"
	"telemetrygate/internal/model"
	"telemetrygate/internal/verify"
)

// Options configures a session. Secret and Ledger are required; Registry
// defaults to the built-in fields and Mode to lenient.
type Options struct {
	Binary   model.BinaryConfig
	Verify   model.VerifyConfig
	Registry *fields.Registry
	Mode     fields.Mode
	Secret   []byte
	Ledger   *ledger.Ledger
	Now      func() time.Time
	Logger   *slog.Logger
}

type Pipeline struct {
	binary   model.BinaryConfig
	registry *fields.Registry
	mode     fields.Mode
	secret   []byte
	engine   *verify.Engine
	logger   *slog.Logger
}

// New checks the whole configuration before any packet is seen. Every
// configuration fault wraps model.ErrConfigMismatch.
func New(opts Options) (*Pipeline, error) {
	if err := codec.ValidateConfig(opts.Binary); err != nil {
		return nil, err
	}
	if opts.Binary.HashLen != opts.Verify.HashLen {
		return nil, fmt.Errorf("%w: binary hash_len %d != verify hash_len %d", model.ErrConfigMismatch, opts.Binary.HashLen, opts.Verify.HashLen)
	}
	if opts.Binary.HashAlg != opts.Verify.HashAlg {
		return nil, fmt.Errorf("%w: binary hash_alg %q != verify hash_alg %q", model.ErrConfigMismatch, opts.Binary.HashAlg, opts.Verify.HashAlg)
	}
	if err := hasher.CheckTruncation(opts.Binary.HashAlg, opts.Binary.HashLen); err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = fields.ModeLenient
	}
	if mode != fields.ModeLenient && mode != fields.ModeStrict {
		return nil, fmt.Errorf("%w: unknown field mode %q", model.ErrConfigMismatch, mode)
	}
	reg := opts.Registry
	if reg == nil {
		reg = fields.DefaultRegistry()
	}
	engine, err := verify.NewEngine(opts.Verify, opts.Secret, opts.Ledger, opts.Now)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		binary:   opts.Binary,
		registry: reg,
		mode:     mode,
		secret:   append([]byte(nil), opts.Secret...),
		engine:   engine,
		logger:   opts.Logger,
	}, nil
}

func (p *Pipeline) Binary() model.BinaryConfig {
	return p.binary
}

func (p *Pipeline) Registry() *fields.Registry {
	return p.registry
}

// Process runs the full pipeline. The only errors are decode-level ones
// (model.ErrMalformedPacket); verification problems are flags in the result.
func (p *Pipeline) Process(raw []byte) (*model.ProcessResult, error) {
	core, err := p.Decode(raw)
	if err != nil {
		return nil, err
	}
	res := p.engine.Verify(core)
	return &model.ProcessResult{CorePacket: core, VerifyResult: res}, nil
}

func (p *Pipeline) ProcessHex(s string) (*model.ProcessResult, error) {
	raw, err := codec.ParseHex(s)
	if err != nil {
		return nil, err
	}
	return p.Process(raw)
}

// ProcessInput accepts raw bytes or a hex string.
func (p *Pipeline) ProcessInput(in any) (*model.ProcessResult, error) {
	switch v := in.(type) {
	case []byte:
		return p.Process(v)
	case string:
		return p.ProcessHex(v)
	}
	return nil, fmt.Errorf("%w: unsupported input type %T", model.ErrMalformedPacket, in)
}

// Decode runs the codec and field mapper and returns the semantic packet.
func (p *Pipeline) Decode(raw []byte) (model.CorePacket, error) {
	pkt, err := codec.Decode(raw, p.binary)
	if err != nil {
		return model.CorePacket{}, err
	}
	set, skipped, err := fields.Map(pkt.Entries, p.registry, p.mode)
	if err != nil {
		return model.CorePacket{}, err
	}
	if len(skipped) > 0 && p.logger != nil {
		for _, s := range skipped {
			p.logger.Debug("tlv entry skipped",
				"device_id", pkt.DeviceID,
				"type", s.Type,
				"reason", s.Reason.Error(),
			)
		}
	}
	return toCore(pkt, set), nil
}

func toCore(pkt model.RawPacket, set *model.FieldSet) model.CorePacket {
	return model.CorePacket{
		Header:    pkt.Header,
		Timestamp: pkt.Timestamp,
		DeviceID:  pkt.DeviceID,
		Nonce:     pkt.Nonce,
		Fields:    set,
		Hash:      hex.EncodeToString(pkt.Hash),
	}
}
