package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/webimg/webimg/internal/config"
	"github.com/webimg/webimg/internal/slogutil"
)

var (
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "webimg",
	Short: "Asynchronous image retrieval with a two-tier cache",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
}

// loadConfig reads the configuration and installs the configured logger as
// the process default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	logger, _ := slogutil.Setup(cfg.Log)
	slog.SetDefault(logger)
	return cfg, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
