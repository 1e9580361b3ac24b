package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"telemetrygate/internal/config"
	"telemetrygate/internal/fields"
	"telemetrygate/internal/hasher"
	"telemetrygate/internal/model"
	"telemetrygate/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "", "gateway configuration to take the session from")
	alg := flag.String("alg", "", "hash algorithm (overrides config)")
	hashLen := flag.Int("hash-len", 0, "hash length in bytes (overrides config)")
	secret := flag.String("secret", "", "shared secret, raw or hex:-prefixed")
	secretEnv := flag.String("secret-env", "", "environment variable holding the secret")
	device := flag.Uint64("device", 0, "device id")
	nonce := flag.String("nonce", "", "nonce (random when empty)")
	ts := flag.Uint64("ts", 0, "unix timestamp in seconds (now when 0)")
	header := flag.Uint("header", 0, "header byte")
	asBase64 := flag.Bool("base64", false, "print base64 instead of hex")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] name=value...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	out, err := sign(signOptions{
		configPath: *configPath,
		alg:        *alg,
		hashLen:    *hashLen,
		secret:     *secret,
		secretEnv:  *secretEnv,
		device:     *device,
		nonce:      *nonce,
		ts:         *ts,
		header:     *header,
		values:     flag.Args(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-sign: %v\n", err)
		os.Exit(1)
	}
	if *asBase64 {
		fmt.Println(base64.StdEncoding.EncodeToString(out))
		return
	}
	fmt.Println(hex.EncodeToString(out))
}

type signOptions struct {
	configPath string
	alg        string
	hashLen    int
	secret     string
	secretEnv  string
	device     uint64
	nonce      string
	ts         uint64
	header     uint
	values     []string
}

func sign(o signOptions) ([]byte, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	session := cfg.Session
	if o.alg != "" {
		a, err := hasher.ParseAlgorithm(o.alg)
		if err != nil {
			return nil, err
		}
		session.Binary.HashAlg = a
	}
	if o.hashLen > 0 {
		session.Binary.HashLen = o.hashLen
	}
	switch {
	case o.secretEnv != "":
		session.SecretEnv = o.secretEnv
	case o.secret != "":
		session.Secret = o.secret
		session.SecretEnv = ""
	}
	key, err := config.ResolveSecret(session)
	if err != nil {
		return nil, err
	}
	reg, err := fields.NewRegistry(session.Fields)
	if err != nil {
		return nil, err
	}
	if o.header > 0xff {
		return nil, fmt.Errorf("header %d does not fit in a byte", o.header)
	}
	r := pipeline.Reading{
		Header:    uint8(o.header),
		Timestamp: o.ts,
		DeviceID:  o.device,
	}
	if r.Timestamp == 0 {
		r.Timestamp = uint64(time.Now().Unix())
	}
	if r.Nonce, err = parseNonce(o.nonce, session.Binary); err != nil {
		return nil, err
	}
	if r.Values, err = parseValues(o.values); err != nil {
		return nil, err
	}
	return pipeline.Sign(r, reg, session.Binary, key)
}

func parseNonce(s string, cfg model.BinaryConfig) (uint64, error) {
	if s != "" {
		return strconv.ParseUint(s, 0, 64)
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint64(b[:])
	if cfg.NonceLen > 0 && cfg.NonceLen < 8 {
		n &= 1<<(8*uint(cfg.NonceLen)) - 1
	}
	return n, nil
}

func parseValues(args []string) ([]pipeline.Value, error) {
	values := make([]pipeline.Value, 0, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, errors.New("values must look like name=value: " + arg)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("value for %s: %w", name, err)
		}
		values = append(values, pipeline.Value{Name: name, Value: v})
	}
	return values, nil
}
