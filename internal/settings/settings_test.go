package settings

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/internal/crypto"
)

func genKeys(t *testing.T, n int) []*crypto.Secp256r1PrivateKey {
	t.Helper()
	keys := make([]*crypto.Secp256r1PrivateKey, n)
	for i := range keys {
		k, err := crypto.GenerateSecp256r1Key()
		require.NoError(t, err)
		keys[i] = k
	}
	return keys
}

func validatorsYAML(keys []*crypto.Secp256r1PrivateKey) string {
	var b strings.Builder
	b.WriteString("validators:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  - %s\n", hex.EncodeToString(k.PublicKeyBytes()))
	}
	return b.String()
}

func TestParseDefaults(t *testing.T) {
	s, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
	assert.Equal(t, 15*time.Second, s.BlockTime)
	assert.Equal(t, GrowthExponential, s.TimeoutGrowth)
	assert.Equal(t, "info", s.Log.Level)
}

func TestParseFull(t *testing.T) {
	keys := genKeys(t, 4)
	doc := fmt.Sprintf(`network: 0x4E454F34
block_time: 2s
timeout_growth: linear
max_timeout: 30s
max_transactions: 100
seen_cache_size: 500
private_key: %s
data_dir: /var/lib/dbft
p2p:
  listen: ["/ip4/0.0.0.0/tcp/20333"]
  peers: []
log:
  level: debug
  file: dbft.log
%s`, hex.EncodeToString(keys[2].Bytes()), validatorsYAML(keys))

	s, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x4E454F34), s.Network)
	assert.Equal(t, 2*time.Second, s.BlockTime)
	assert.Equal(t, 30*time.Second, s.MaxTimeout)
	assert.Equal(t, 100, s.MaxTransactions)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/20333"}, s.P2P.Listen)
	assert.Equal(t, "dbft.log", s.Log.File)
	// Unset nested fields keep their defaults.
	assert.Equal(t, 100, s.Log.MaxSizeMB)

	opts, err := s.Options()
	require.NoError(t, err)
	cfg, err := dbft.NewConfig(opts...)
	require.NoError(t, err)

	assert.Equal(t, uint32(0x4E454F34), cfg.Network)
	assert.Equal(t, 4, cfg.Validators.N())
	my, ok := cfg.MyIndex()
	require.True(t, ok)
	assert.Equal(t, uint8(2), my)
	assert.Equal(t, 500, cfg.SeenCacheSize)
	// Linear growth: view 2 waits three block times.
	assert.Equal(t, 6*time.Second, cfg.Pacemaker.Timeout(2))
	assert.Equal(t, 30*time.Second, cfg.Pacemaker.Timeout(100))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "block_tme: 1s"},
		{"bad growth", "timeout_growth: quadratic"},
		{"zero block time", "block_time: 0s"},
		{"negative cache", "seen_cache_size: -1"},
		{"bad validator hex", "validators: [zz]"},
		{"bad validator key", "validators: [\"0102\"]"},
		{"bad private key", "private_key: \"00\""},
		{"malformed", "network: [1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestValidationErrorsAreConfigErrors(t *testing.T) {
	_, err := Parse([]byte("timeout_growth: quadratic"))
	assert.ErrorIs(t, err, dbft.ErrConfig)
}

func TestLoad(t *testing.T) {
	keys := genKeys(t, 1)
	path := filepath.Join(t.TempDir(), "dbft.yaml")
	doc := "block_time: 500ms\n" + validatorsYAML(keys)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, s.BlockTime)

	pks, err := s.PublicKeys()
	require.NoError(t, err)
	require.Len(t, pks, 1)
	assert.Equal(t, keys[0].PublicKeyBytes(), pks[0].Bytes())

	signer, err := s.Signer()
	require.NoError(t, err)
	assert.Nil(t, signer)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
