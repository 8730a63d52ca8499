package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/chainsync/config"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	for _, f := range files {
		p := filepath.Join(rootDir, f)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	require := require.New(t)

	tmpDir := t.TempDir()
	require.NoError(config.EnsureRoot(tmpDir))

	data, err := os.ReadFile(filepath.Join(tmpDir, config.DefaultConfigDir, config.DefaultConfigFileName))
	require.NoError(err)

	assertValidConfig(t, string(data))

	ensureFiles(t, tmpDir, config.DefaultDataDir)
}

func assertValidConfig(t *testing.T, configFile string) {
	t.Helper()
	// list of words we expect in the config
	var elems = []string{
		"db_backend",
		"[headers]",
		"[bodies]",
		"max_concurrent_requests",
		"request_range_limit",
		"max_retries",
		"request_timeout",
		"buffer_capacity",
		"batch_item_threshold",
		"batch_byte_threshold",
		"prometheus",
	}
	for _, e := range elems {
		assert.Contains(t, configFile, e)
	}
}

// tomlConfig mirrors the rendered file for decoding with BurntSushi/toml,
// which does not read mapstructure tags.
type tomlConfig struct {
	DBBackend    string `toml:"db_backend"`
	LogFormat    string `toml:"log_format"`
	RetainBlocks uint64 `toml:"retain_blocks"`
	Headers      struct {
		MaxConcurrentRequests int    `toml:"max_concurrent_requests"`
		RequestRangeLimit     uint64 `toml:"request_range_limit"`
		RequestTimeout        string `toml:"request_timeout"`
		BatchItemThreshold    int    `toml:"batch_item_threshold"`
	} `toml:"headers"`
	Bodies struct {
		MaxConcurrentRequests int `toml:"max_concurrent_requests"`
		BatchByteThreshold    int `toml:"batch_byte_threshold"`
	} `toml:"bodies"`
	Network struct {
		FaultRate     float64 `toml:"fault_rate"`
		BlockInterval string  `toml:"block_interval"`
	} `toml:"network"`
	Instrumentation struct {
		Namespace string `toml:"namespace"`
	} `toml:"instrumentation"`
}

func TestWriteConfigFileRoundTrip(t *testing.T) {
	cfg := config.TestConfig()
	cfg.Headers.MaxConcurrentRequests = 3
	cfg.Bodies.MaxConcurrentRequests = 11
	cfg.Bodies.BatchByteThreshold = 4096
	cfg.Network.FaultRate = 0.25
	cfg.Network.BlockInterval = 500 * time.Millisecond
	cfg.RetainBlocks = 1000

	path := filepath.Join(t.TempDir(), config.DefaultConfigFileName)
	require.NoError(t, config.WriteConfigFile(path, cfg))

	var decoded tomlConfig
	_, err := toml.DecodeFile(path, &decoded)
	require.NoError(t, err)

	assert.Equal(t, "memdb", decoded.DBBackend)
	assert.Equal(t, config.LogFormatPlain, decoded.LogFormat)
	assert.Equal(t, 3, decoded.Headers.MaxConcurrentRequests)
	assert.Equal(t, 11, decoded.Bodies.MaxConcurrentRequests)
	assert.Equal(t, cfg.Headers.RequestRangeLimit, decoded.Headers.RequestRangeLimit)
	assert.Equal(t, cfg.Headers.BatchItemThreshold, decoded.Headers.BatchItemThreshold)
	assert.Equal(t, 4096, decoded.Bodies.BatchByteThreshold)
	assert.InDelta(t, 0.25, decoded.Network.FaultRate, 1e-9)
	assert.Equal(t, "500ms", decoded.Network.BlockInterval)
	assert.EqualValues(t, 1000, decoded.RetainBlocks)
	assert.Equal(t, "chainsync", decoded.Instrumentation.Namespace)

	timeout, err := time.ParseDuration(decoded.Headers.RequestTimeout)
	require.NoError(t, err)
	assert.Equal(t, cfg.Headers.RequestTimeout, timeout)
}
