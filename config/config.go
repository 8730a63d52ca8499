package config

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultChainsyncDir = ".chainsync"
	DefaultConfigDir    = "config"
	DefaultDataDir      = "data"

	DefaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(DefaultConfigDir, DefaultConfigFileName)
)

// Config defines the top level configuration of the downloaders.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	Headers         *HeadersConfig         `mapstructure:"headers"`
	Bodies          *BodiesConfig          `mapstructure:"bodies"`
	Network         *NetworkConfig         `mapstructure:"network"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Headers:         DefaultHeadersConfig(),
		Bodies:          DefaultBodiesConfig(),
		Network:         DefaultNetworkConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Headers:         TestHeadersConfig(),
		Bodies:          TestBodiesConfig(),
		Network:         TestNetworkConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Headers.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [headers] section")
	}
	if err := cfg.Bodies.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [bodies] section")
	}
	if err := cfg.Network.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [network] section")
	}
	return errors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration.
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Database backend: goleveldb | memdb, see cometbft-db for build tagged
	// backends.
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// Number of most recent blocks kept in the block store after a sync
	// saves new ones. 0 keeps everything.
	RetainBlocks uint64 `mapstructure:"retain_blocks"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		DBBackend: "goleveldb",
		DBPath:    DefaultDataDir,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	return nil
}

// DefaultLogLevel is the log level used unless configured otherwise.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// RequestConfig

// RequestConfig holds the request scheduling options both downloaders have.
// They are configured independently, header fetches being far smaller than
// body fetches.
type RequestConfig struct {
	// Maximum number of requests in flight at once.
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`

	// Maximum number of items asked for in one request.
	RequestRangeLimit uint64 `mapstructure:"request_range_limit"`

	// Number of attempts a range gets before the run fails.
	MaxRetries int `mapstructure:"max_retries"`

	// Time a peer gets to answer one request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Maximum number of received items held while waiting for a gap to fill.
	BufferCapacity int `mapstructure:"buffer_capacity"`

	// Delay before the first retry of a range, doubling up to the maximum.
	RetryBackoffInitial time.Duration `mapstructure:"retry_backoff_initial"`
	RetryBackoffMax     time.Duration `mapstructure:"retry_backoff_max"`
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg RequestConfig) ValidateBasic() error {
	if cfg.MaxConcurrentRequests <= 0 {
		return errors.New("max_concurrent_requests must be positive")
	}
	if cfg.RequestRangeLimit == 0 {
		return errors.New("request_range_limit must be positive")
	}
	if cfg.MaxRetries <= 0 {
		return errors.New("max_retries must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if cfg.BufferCapacity <= 0 {
		return errors.New("buffer_capacity must be positive")
	}
	if uint64(cfg.BufferCapacity) < cfg.RequestRangeLimit {
		return errors.New("buffer_capacity can't be less than request_range_limit")
	}
	if cfg.RetryBackoffInitial < 0 {
		return errors.New("retry_backoff_initial can't be negative")
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoffInitial {
		return errors.New("retry_backoff_max can't be less than retry_backoff_initial")
	}
	return nil
}

//-----------------------------------------------------------------------------
// HeadersConfig

// HeadersConfig configures the header downloader.
type HeadersConfig struct {
	RequestConfig `mapstructure:",squash"`

	// Number of headers per emitted batch.
	BatchItemThreshold int `mapstructure:"batch_item_threshold"`
}

// DefaultHeadersConfig returns a default configuration for the header
// downloader.
func DefaultHeadersConfig() *HeadersConfig {
	return &HeadersConfig{
		RequestConfig: RequestConfig{
			MaxConcurrentRequests: 8,
			RequestRangeLimit:     1000,
			MaxRetries:            5,
			RequestTimeout:        10 * time.Second,
			BufferCapacity:        16_000,
			RetryBackoffInitial:   500 * time.Millisecond,
			RetryBackoffMax:       10 * time.Second,
		},
		BatchItemThreshold: 10_000,
	}
}

// TestHeadersConfig returns a configuration for testing the header
// downloader.
func TestHeadersConfig() *HeadersConfig {
	return &HeadersConfig{
		RequestConfig: RequestConfig{
			MaxConcurrentRequests: 4,
			RequestRangeLimit:     4,
			MaxRetries:            3,
			RequestTimeout:        time.Second,
			BufferCapacity:        64,
			RetryBackoffInitial:   0,
			RetryBackoffMax:       0,
		},
		BatchItemThreshold: 100,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *HeadersConfig) ValidateBasic() error {
	if err := cfg.RequestConfig.ValidateBasic(); err != nil {
		return err
	}
	if cfg.BatchItemThreshold <= 0 {
		return errors.New("batch_item_threshold must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BodiesConfig

// BodiesConfig configures the body downloader and its batch emitter.
type BodiesConfig struct {
	RequestConfig `mapstructure:",squash"`

	// A batch is emitted once it holds this many blocks...
	BatchItemThreshold int `mapstructure:"batch_item_threshold"`

	// ...or once its bodies add up to this many bytes.
	BatchByteThreshold int `mapstructure:"batch_byte_threshold"`
}

// DefaultBodiesConfig returns a default configuration for the body
// downloader.
func DefaultBodiesConfig() *BodiesConfig {
	return &BodiesConfig{
		RequestConfig: RequestConfig{
			MaxConcurrentRequests: 16,
			RequestRangeLimit:     200,
			MaxRetries:            5,
			RequestTimeout:        15 * time.Second,
			BufferCapacity:        8_192,
			RetryBackoffInitial:   500 * time.Millisecond,
			RetryBackoffMax:       10 * time.Second,
		},
		BatchItemThreshold: 10_000,
		BatchByteThreshold: 512 * 1024 * 1024,
	}
}

// TestBodiesConfig returns a configuration for testing the body downloader.
func TestBodiesConfig() *BodiesConfig {
	return &BodiesConfig{
		RequestConfig: RequestConfig{
			MaxConcurrentRequests: 4,
			RequestRangeLimit:     4,
			MaxRetries:            3,
			RequestTimeout:        time.Second,
			BufferCapacity:        64,
			RetryBackoffInitial:   0,
			RetryBackoffMax:       0,
		},
		BatchItemThreshold: 100,
		BatchByteThreshold: 1024 * 1024,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *BodiesConfig) ValidateBasic() error {
	if err := cfg.RequestConfig.ValidateBasic(); err != nil {
		return err
	}
	if cfg.BatchItemThreshold <= 0 {
		return errors.New("batch_item_threshold must be positive")
	}
	if cfg.BatchByteThreshold <= 0 {
		return errors.New("batch_byte_threshold must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// NetworkConfig

// NetworkConfig describes the simulated network the simulate command syncs
// from.
type NetworkConfig struct {
	// Number of simulated peers.
	Peers int `mapstructure:"peers"`

	// Length of the served chain, genesis excluded.
	ChainLength uint64 `mapstructure:"chain_length"`

	// Height already present locally; syncing starts above it.
	LocalHead uint64 `mapstructure:"local_head"`

	// Transactions per block and bytes per transaction.
	TxsPerBlock int `mapstructure:"txs_per_block"`
	TxSize      int `mapstructure:"tx_size"`

	// Answer latency of every peer.
	Latency time.Duration `mapstructure:"latency"`

	// Probability that a request is answered with a fault.
	FaultRate float64 `mapstructure:"fault_rate"`

	// Interval at which the simulated chain grows by one block. 0 keeps the
	// chain fixed.
	BlockInterval time.Duration `mapstructure:"block_interval"`
}

// DefaultNetworkConfig returns a default simulated network.
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		Peers:       8,
		ChainLength: 10_000,
		LocalHead:   0,
		TxsPerBlock: 20,
		TxSize:      128,
		Latency:     20 * time.Millisecond,
		FaultRate:   0.05,
	}
}

// TestNetworkConfig returns a small, fault free simulated network.
func TestNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		Peers:       3,
		ChainLength: 50,
		TxsPerBlock: 2,
		TxSize:      32,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *NetworkConfig) ValidateBasic() error {
	if cfg.Peers <= 0 {
		return errors.New("peers must be positive")
	}
	if cfg.LocalHead > cfg.ChainLength {
		return errors.New("local_head can't be above chain_length")
	}
	if cfg.TxsPerBlock < 0 || cfg.TxSize < 0 {
		return errors.New("txs_per_block and tx_size can't be negative")
	}
	if cfg.Latency < 0 {
		return errors.New("latency can't be negative")
	}
	if cfg.BlockInterval < 0 {
		return errors.New("block_interval can't be negative")
	}
	if cfg.FaultRate < 0 || cfg.FaultRate >= 1 {
		return errors.New("fault_rate must be in [0, 1)")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`

	// When true, OpenTelemetry spans are written to stdout.
	TraceStdout bool `mapstructure:"trace_stdout"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "chainsync",
		TraceStdout:          false,
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
