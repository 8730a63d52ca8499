package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/libs/cli"
	"github.com/celestiaorg/chainsync/libs/log"
)

var (
	config = cfg.DefaultConfig()
	logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
)

// ParseConfig retrieves the default environment configuration, sets up the
// root and ensures that the root exists.
func ParseConfig(conf *cfg.Config) (*cfg.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}
	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// NewLogger builds the logger described by format and level.
func NewLogger(format, level string) (log.Logger, error) {
	var l log.Logger
	switch format {
	case cfg.LogFormatJSON:
		l = log.NewTMJSONLogger(log.NewSyncWriter(os.Stdout))
	case cfg.LogFormatPlain:
		l = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}

	option, err := log.AllowLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewFilter(l, option), nil
}

// RootCmd is the root command for chainsync.
var RootCmd = &cobra.Command{
	Use:   "chainsync",
	Short: "Header and body download pipeline for block chain sync",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if cmd.Name() == VersionCmd.Name() {
			return nil
		}

		config, err = ParseConfig(config)
		if err != nil {
			return err
		}
		logger, err = NewLogger(config.LogFormat, config.LogLevel)
		if err != nil {
			return err
		}
		logger = logger.With("module", "main")
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().String("log_level", config.LogLevel, "log level")
	RootCmd.PersistentFlags().String("log_format", config.LogFormat, "log format (plain | json)")
}

// Execute runs the root command with every subcommand attached.
func Execute() error {
	RootCmd.AddCommand(
		InitFilesCmd,
		SimulateCmd,
		VersionCmd,
	)
	cmd := cli.PrepareBaseCmd(RootCmd, "CHAINSYNC", cli.DefaultHome(cfg.DefaultChainsyncDir))
	return cmd.Execute()
}
