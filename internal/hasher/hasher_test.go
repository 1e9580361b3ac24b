package hasher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetrygate/internal/model"
)

var algorithms = []model.HashAlgorithm{model.HashHMACSHA256, model.HashBLAKE2b256, model.HashBLAKE2s256}

func samplePacket() model.CorePacket {
	set := model.NewFieldSet()
	set.Add(model.Field{Name: "temperature", TypeID: 0x01, Value: 23.5, Raw: []byte{0x00, 0xEB}})
	set.Add(model.Field{Name: "humidity", TypeID: 0x02, Value: 60, Raw: []byte{60}})
	set.Add(model.Field{Name: "battery", TypeID: 0x03, Value: 91, Raw: []byte{91}})
	return model.CorePacket{Header: 1, Timestamp: 1_700_000_000, DeviceID: 42, Nonce: 7, Fields: set}
}

func TestComputeDeterministic(t *testing.T) {
	secret := []byte("s3cret")
	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			first, err := Compute(samplePacket(), secret, alg, 8)
			require.NoError(t, err)
			assert.Len(t, first, 16)
			for i := 0; i < 5; i++ {
				again, err := Compute(samplePacket(), secret, alg, 8)
				require.NoError(t, err)
				assert.Equal(t, first, again)
			}
		})
	}
}

func TestComputeIgnoresCarriedHash(t *testing.T) {
	p := samplePacket()
	a, err := Compute(p, []byte("k"), model.HashHMACSHA256, 16)
	require.NoError(t, err)
	p.Hash = "ffffffff"
	b, err := Compute(p, []byte("k"), model.HashHMACSHA256, 16)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAvalanche(t *testing.T) {
	secret := []byte("s3cret")
	base, err := Compute(samplePacket(), secret, model.HashHMACSHA256, 8)
	require.NoError(t, err)

	mutations := map[string]func(p *model.CorePacket){
		"header":    func(p *model.CorePacket) { p.Header ^= 0x01 },
		"timestamp": func(p *model.CorePacket) { p.Timestamp++ },
		"device_id": func(p *model.CorePacket) { p.DeviceID = 43 },
		"nonce":     func(p *model.CorePacket) { p.Nonce = 8 },
		"field value": func(p *model.CorePacket) {
			set := model.NewFieldSet()
			for _, f := range p.Fields.Fields() {
				if f.Name == "humidity" {
					f.Raw = []byte{61}
					f.Value = 61
				}
				set.Add(f)
			}
			p.Fields = set
		},
		"field order": func(p *model.CorePacket) {
			fs := p.Fields.Fields()
			set := model.NewFieldSet()
			for i := len(fs) - 1; i >= 0; i-- {
				set.Add(fs[i])
			}
			p.Fields = set
		},
		"dropped field": func(p *model.CorePacket) {
			set := model.NewFieldSet()
			for _, f := range p.Fields.Fields()[:2] {
				set.Add(f)
			}
			p.Fields = set
		},
	}
	for name, mut := range mutations {
		t.Run(name, func(t *testing.T) {
			p := samplePacket()
			mut(&p)
			got, err := Compute(p, secret, model.HashHMACSHA256, 8)
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}

	t.Run("secret", func(t *testing.T) {
		got, err := Compute(samplePacket(), []byte("s3creT"), model.HashHMACSHA256, 8)
		require.NoError(t, err)
		assert.NotEqual(t, base, got)
	})
}

func TestAlgorithmsDiffer(t *testing.T) {
	seen := map[string]model.HashAlgorithm{}
	for _, alg := range algorithms {
		d, err := Compute(samplePacket(), []byte("k"), alg, 16)
		require.NoError(t, err)
		_, dup := seen[d]
		assert.False(t, dup, "%s collides", alg)
		seen[d] = alg
	}
}

func TestTruncationIsPrefix(t *testing.T) {
	full, err := Compute(samplePacket(), []byte("k"), model.HashBLAKE2b256, 32)
	require.NoError(t, err)
	short, err := Compute(samplePacket(), []byte("k"), model.HashBLAKE2b256, 4)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, short))
}

func TestLongSecretForBlake(t *testing.T) {
	long := []byte(strings.Repeat("x", 100))
	_, err := Compute(samplePacket(), long, model.HashBLAKE2b256, 8)
	require.NoError(t, err)
	_, err = Compute(samplePacket(), long, model.HashBLAKE2s256, 8)
	require.NoError(t, err)
}

func TestConfigErrors(t *testing.T) {
	_, err := Compute(samplePacket(), []byte("k"), "md5", 8)
	assert.ErrorIs(t, err, model.ErrConfigMismatch)
	_, err = Compute(samplePacket(), []byte("k"), model.HashHMACSHA256, 0)
	assert.ErrorIs(t, err, model.ErrConfigMismatch)
	_, err = Compute(samplePacket(), []byte("k"), model.HashBLAKE2s256, 33)
	assert.ErrorIs(t, err, model.ErrConfigMismatch)
	_, err = ParseAlgorithm("sha1")
	assert.ErrorIs(t, err, model.ErrConfigMismatch)
	alg, err := ParseAlgorithm(" HMAC-SHA256 ")
	require.NoError(t, err)
	assert.Equal(t, model.HashHMACSHA256, alg)
}

func TestVerify(t *testing.T) {
	secret := []byte("k")
	p := samplePacket()
	d, err := Compute(p, secret, model.HashHMACSHA256, 8)
	require.NoError(t, err)

	p.Hash = d
	ok, err := Verify(p, secret, model.HashHMACSHA256, 8)
	require.NoError(t, err)
	assert.True(t, ok)

	p.Hash = strings.ToUpper(d)
	ok, _ = Verify(p, secret, model.HashHMACSHA256, 8)
	assert.True(t, ok)

	p.Hash = d[:14]
	ok, _ = Verify(p, secret, model.HashHMACSHA256, 8)
	assert.False(t, ok)

	p.Hash = "zz" + d[2:]
	ok, _ = Verify(p, secret, model.HashHMACSHA256, 8)
	assert.False(t, ok)

	p.Hash = d
	ok, _ = Verify(p, []byte("other"), model.HashHMACSHA256, 8)
	assert.False(t, ok)
}

func TestCanonicalLayout(t *testing.T) {
	p := samplePacket()
	c := Canonical(p)
	want := []byte{
		0x01,
		0, 0, 0, 0, 0x65, 0x53, 0xF1, 0x00,
		0, 0, 0, 0, 0, 0, 0, 42,
		0, 0, 0, 0, 0, 0, 0, 7,
	}
	require.GreaterOrEqual(t, len(c), len(want))
	assert.Equal(t, want, c[:len(want)])
	rest := c[len(want):]
	assert.Equal(t, byte(0x01), rest[0])
	assert.Equal(t, byte(len("temperature")), rest[1])
	assert.Equal(t, "temperature", string(rest[2:13]))
	assert.Equal(t, []byte{2, 0x00, 0xEB}, rest[13:16])
}
