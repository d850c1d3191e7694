package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Exchange.MaxConnections)
	assert.Equal(t, 128, cfg.Exchange.BucketCap)
	assert.GreaterOrEqual(t, cfg.Exchange.Workers, 2)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := `
data_dir = "/var/lib/relaymesh"
bootstrap = ["10.0.0.1:4850"]

[exchange]
max_connections = 12
dialers = 1

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	t.Setenv("RELAYMESH_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("RELAYMESH_MAX_CONNECTIONS", "6")
	t.Setenv("RELAYMESH_BOOTSTRAP", " a:1, ,b:2 ")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relaymesh", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, 6, cfg.Exchange.MaxConnections)
	assert.Equal(t, 1, cfg.Exchange.Dialers)
	assert.Equal(t, 3, cfg.Exchange.Acceptors)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Bootstrap)
	assert.Equal(t, filepath.Join("/var/lib/relaymesh", "state.json"), cfg.StatePath())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"odd connections": func(c *Config) { c.Exchange.MaxConnections = 7 },
		"zero workers":    func(c *Config) { c.Exchange.Workers = 0 },
		"empty data dir":  func(c *Config) { c.DataDir = " " },
		"bad level":       func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("exchange = ["), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().Encode(&buf))
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
