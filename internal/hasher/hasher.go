// Package hasher computes the keyed packet digest shared by signer and verifier.
package hasher

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"

	"telemetrygate/internal/model"
)

// DigestSize returns the untruncated output size of alg.
func DigestSize(alg model.HashAlgorithm) (int, error) {
	switch alg {
	case model.HashHMACSHA256:
		return sha256.Size, nil
	case model.HashBLAKE2b256:
		return blake2b.Size256, nil
	case model.HashBLAKE2s256:
		return blake2s.Size, nil
	}
	return 0, fmt.Errorf("%w: unsupported hash algorithm %q", model.ErrConfigMismatch, alg)
}

func ParseAlgorithm(s string) (model.HashAlgorithm, error) {
	alg := model.HashAlgorithm(strings.ToLower(strings.TrimSpace(s)))
	if _, err := DigestSize(alg); err != nil {
		return "", err
	}
	return alg, nil
}

// CheckTruncation validates alg and the truncated length n together.
func CheckTruncation(alg model.HashAlgorithm, n int) error {
	size, err := DigestSize(alg)
	if err != nil {
		return err
	}
	if n < 1 || n > size {
		return fmt.Errorf("%w: hash_len %d outside 1..%d for %s", model.ErrConfigMismatch, n, size, alg)
	}
	return nil
}

func newKeyed(alg model.HashAlgorithm, secret []byte) (hash.Hash, error) {
	switch alg {
	case model.HashHMACSHA256:
		return hmac.New(sha256.New, secret), nil
	case model.HashBLAKE2b256:
		// blake2b keys are capped at 64 bytes; longer secrets are pre-hashed.
		return blake2b.New256(fitKey(secret, blake2b.Size))
	case model.HashBLAKE2s256:
		return blake2s.New256(fitKey(secret, blake2s.Size))
	}
	return nil, fmt.Errorf("%w: unsupported hash algorithm %q", model.ErrConfigMismatch, alg)
}

func fitKey(secret []byte, max int) []byte {
	if len(secret) <= max {
		return secret
	}
	sum := sha256.Sum256(secret)
	return sum[:]
}

// Canonical serializes the packet without its digest:
//
//	header u8 | timestamp u64 | device_id u64 | nonce u64 |
//	per field in TLV order: type u8 | name_len u8 | name | value_len u8 | value
//
// Integers are big-endian. Field values are the TLV bytes they were decoded from.
func Canonical(p model.CorePacket) []byte {
	size := 1 + 8*3
	fields := p.Fields.Fields()
	for _, f := range fields {
		size += 3 + len(f.Name) + len(f.Raw)
	}
	out := make([]byte, 0, size)
	out = append(out, p.Header)
	out = binary.BigEndian.AppendUint64(out, p.Timestamp)
	out = binary.BigEndian.AppendUint64(out, p.DeviceID)
	out = binary.BigEndian.AppendUint64(out, p.Nonce)
	for _, f := range fields {
		name := f.Name
		if len(name) > 0xFF {
			name = name[:0xFF]
		}
		out = append(out, f.TypeID, byte(len(name)))
		out = append(out, name...)
		raw := f.Raw
		if len(raw) > 0xFF {
			raw = raw[:0xFF]
		}
		out = append(out, byte(len(raw)))
		out = append(out, raw...)
	}
	return out
}

// Sum returns the truncated keyed digest of the canonical packet.
func Sum(p model.CorePacket, secret []byte, alg model.HashAlgorithm, n int) ([]byte, error) {
	if err := CheckTruncation(alg, n); err != nil {
		return nil, err
	}
	h, err := newKeyed(alg, secret)
	if err != nil {
		return nil, err
	}
	h.Write(Canonical(p))
	return h.Sum(nil)[:n], nil
}

// Compute is Sum hex-encoded in lower case.
func Compute(p model.CorePacket, secret []byte, alg model.HashAlgorithm, n int) (string, error) {
	sum, err := Sum(p, secret, alg, n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Verify recomputes the digest and compares it to p.Hash in constant time.
func Verify(p model.CorePacket, secret []byte, alg model.HashAlgorithm, n int) (bool, error) {
	want, err := Sum(p, secret, alg, n)
	if err != nil {
		return false, err
	}
	got, err := hex.DecodeString(p.Hash)
	if err != nil || len(got) != len(want) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
