// Package config loads the node configuration from TOML and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"relaymesh/internal/logging"
)

const FileName = "relaymesh.toml"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	DataDir         string         `toml:"data_dir"`
	ListenAddr      string         `toml:"listen_addr"`
	MyAddresses     []string       `toml:"my_addresses"`
	Bootstrap       []string       `toml:"bootstrap"`
	NetworkPassword string         `toml:"network_password"`
	DebugAddr       string         `toml:"debug_addr"`
	BlockCacheSize  int            `toml:"block_cache_size"`
	Exchange        ExchangeConfig `toml:"exchange"`
	Log             LogConfig      `toml:"log"`
}

type ExchangeConfig struct {
	MaxConnections      int `toml:"max_connections"`
	Dialers             int `toml:"dialers"`
	Acceptors           int `toml:"acceptors"`
	Workers             int `toml:"workers"`
	BucketCap           int `toml:"bucket_cap"`
	AddrPruneCeiling    int `toml:"addr_prune_ceiling"`
	MaxLocations        int `toml:"max_locations"`
	MaxBlockLinks       int `toml:"max_block_links"`
	MaxBlockRequests    int `toml:"max_block_requests"`
	MaxMetadataRequests int `toml:"max_metadata_requests"`
	MaxMetadataResults  int `toml:"max_metadata_results"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

func DefaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	return n
}

func Default() Config {
	return Config{
		DataDir:        ".relaymesh",
		ListenAddr:     "0.0.0.0:4850",
		BlockCacheSize: 256,
		Exchange: ExchangeConfig{
			MaxConnections:      8,
			Dialers:             3,
			Acceptors:           3,
			Workers:             DefaultWorkers(),
			BucketCap:           128,
			AddrPruneCeiling:    1024,
			MaxLocations:        256,
			MaxBlockLinks:       256,
			MaxBlockRequests:    256,
			MaxMetadataRequests: 256,
			MaxMetadataResults:  256,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  64,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads path over the defaults, applies RELAYMESH_* overrides and
// validates. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := envString("RELAYMESH_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := envString("RELAYMESH_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := envString("RELAYMESH_DEBUG_ADDR"); ok {
		c.DebugAddr = v
	}
	if v, ok := envString("RELAYMESH_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := envString("RELAYMESH_NETWORK_PASSWORD"); ok {
		c.NetworkPassword = v
	}
	if v, ok := envString("RELAYMESH_BOOTSTRAP"); ok {
		c.Bootstrap = splitList(v)
	}
	if n, ok := envInt("RELAYMESH_MAX_CONNECTIONS"); ok {
		c.Exchange.MaxConnections = n
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	e := c.Exchange
	if e.MaxConnections < 2 || e.MaxConnections%2 != 0 {
		return fmt.Errorf("%w: exchange.max_connections must be an even number >= 2, got %d", ErrInvalid, e.MaxConnections)
	}
	checks := []struct {
		name string
		v    int
	}{
		{"exchange.dialers", e.Dialers},
		{"exchange.acceptors", e.Acceptors},
		{"exchange.workers", e.Workers},
		{"exchange.bucket_cap", e.BucketCap},
		{"exchange.addr_prune_ceiling", e.AddrPruneCeiling},
		{"exchange.max_locations", e.MaxLocations},
		{"exchange.max_block_links", e.MaxBlockLinks},
		{"exchange.max_block_requests", e.MaxBlockRequests},
		{"exchange.max_metadata_requests", e.MaxMetadataRequests},
		{"exchange.max_metadata_results", e.MaxMetadataResults},
		{"block_cache_size", c.BlockCacheSize},
	}
	for _, ck := range checks {
		if ck.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, ck.name, ck.v)
		}
	}
	return nil
}

func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func (c Config) StatePath() string  { return filepath.Join(c.DataDir, "state.json") }
func (c Config) BlocksPath() string { return filepath.Join(c.DataDir, "blocks") }
func (c Config) KeyDir() string     { return filepath.Join(c.DataDir, "keys") }
func (c Config) ReportPath() string { return filepath.Join(c.DataDir, "report.json") }

// DefaultPath is the config file inside dataDir.
func DefaultPath(dataDir string) string { return filepath.Join(dataDir, FileName) }

func (c Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

func envString(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
