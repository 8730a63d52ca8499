package config

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/pkg/errors"
)

// DefaultDirPerm is the default permissions used when creating directories.
const DefaultDirPerm = 0o700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't
// exist, and writes the default config file if it is missing.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, DefaultConfigDir), filepath.Join(rootDir, DefaultDataDir)} {
		if err := os.MkdirAll(dir, DefaultDirPerm); err != nil {
			return errors.Wrapf(err, "could not create directory %q", dir)
		}
	}

	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		return WriteConfigFile(configFilePath, DefaultConfig())
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath.
func WriteConfigFile(configFilePath string, config *Config) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, config); err != nil {
		return errors.Wrap(err, "rendering config template")
	}

	return errors.Wrap(os.WriteFile(configFilePath, buffer.Bytes(), 0o644), "writing config file")
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.chainsync" by default, but could be changed via $CHAINSYNC_HOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging, including package level options
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

# Number of most recent blocks kept in the block store. 0 keeps every block.
retain_blocks = {{ .BaseConfig.RetainBlocks }}

#######################################################################
###                 Header Downloader Configuration                 ###
#######################################################################
[headers]

# Maximum number of header requests in flight at once.
max_concurrent_requests = {{ .Headers.MaxConcurrentRequests }}

# Maximum number of headers asked for in one request.
request_range_limit = {{ .Headers.RequestRangeLimit }}

# Number of attempts a range gets before the run fails.
max_retries = {{ .Headers.MaxRetries }}

# Time a peer gets to answer one request.
request_timeout = "{{ .Headers.RequestTimeout }}"

# Maximum number of received headers held while waiting for a gap to fill.
buffer_capacity = {{ .Headers.BufferCapacity }}

# Delay before the first retry of a range, doubling up to retry_backoff_max.
retry_backoff_initial = "{{ .Headers.RetryBackoffInitial }}"
retry_backoff_max = "{{ .Headers.RetryBackoffMax }}"

# Number of headers per emitted batch.
batch_item_threshold = {{ .Headers.BatchItemThreshold }}

#######################################################################
###                  Body Downloader Configuration                  ###
#######################################################################
[bodies]

max_concurrent_requests = {{ .Bodies.MaxConcurrentRequests }}
request_range_limit = {{ .Bodies.RequestRangeLimit }}
max_retries = {{ .Bodies.MaxRetries }}
request_timeout = "{{ .Bodies.RequestTimeout }}"
buffer_capacity = {{ .Bodies.BufferCapacity }}
retry_backoff_initial = "{{ .Bodies.RetryBackoffInitial }}"
retry_backoff_max = "{{ .Bodies.RetryBackoffMax }}"

# A batch of blocks is handed downstream once it holds batch_item_threshold
# blocks or its bodies add up to batch_byte_threshold bytes. A single block
# larger than batch_byte_threshold is handed downstream alone.
batch_item_threshold = {{ .Bodies.BatchItemThreshold }}
batch_byte_threshold = {{ .Bodies.BatchByteThreshold }}

#######################################################################
###                 Simulated Network Configuration                 ###
#######################################################################
[network]

# Number of simulated peers.
peers = {{ .Network.Peers }}

# Length of the served chain, genesis excluded.
chain_length = {{ .Network.ChainLength }}

# Height already present locally; syncing starts above it.
local_head = {{ .Network.LocalHead }}

txs_per_block = {{ .Network.TxsPerBlock }}
tx_size = {{ .Network.TxSize }}

# Answer latency of every peer.
latency = "{{ .Network.Latency }}"

# Probability that a request is answered with a fault.
fault_rate = {{ .Network.FaultRate }}

# Interval at which the simulated chain grows by one block. 0 keeps the
# chain fixed.
block_interval = "{{ .Network.BlockInterval }}"

#######################################################################
###                 Instrumentation Configuration                   ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"

# When true, OpenTelemetry spans are written to stdout.
trace_stdout = {{ .Instrumentation.TraceStdout }}
`
