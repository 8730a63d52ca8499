package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	cfg "github.com/celestiaorg/chainsync/config"
)

// InitFilesCmd creates the home directory and writes the config file.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the chainsync home directory",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	if err := cfg.EnsureRoot(config.RootDir); err != nil {
		return err
	}

	configFile := filepath.Join(config.RootDir, cfg.DefaultConfigDir, cfg.DefaultConfigFileName)
	if err := cfg.WriteConfigFile(configFile, config); err != nil {
		return err
	}
	logger.Info("Wrote config file", "path", configFile)
	return nil
}
