package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gowarp/config"
)

var (
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
)

var rootCmd = &cobra.Command{
	Use:   "gowarp",
	Short: "Peer-to-peer file transfer on the local network",
	Long: `gowarp finds other machines on the LAN over mDNS and exchanges files and
directory trees with them over gRPC. Both sides must share a group code.

  Run a node:          gowarp serve
  Send to a peer:      gowarp send <peer-ident> <path>...
  Known peers:         gowarp peers
  Transfer history:    gowarp history`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, path, err := config.LoadOrCreate(viper.GetString("data_dir"))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if level := viper.GetString("log_level"); level != "" {
			loaded.LogLevel = level
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration %s: %w", path, err)
		}

		level, _ := logrus.ParseLevel(loaded.LogLevel)
		logrus.SetLevel(level)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		cfg, cfgPath, dataDir = loaded, path, filepath.Dir(path)
		logrus.WithField("config", cfgPath).Debug("Configuration loaded")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: per-user config dir, or $"+config.DataDirEnv+")")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
