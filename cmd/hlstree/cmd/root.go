// Package cmd implements the CLI commands for hlstree.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlstree/internal/config"
	"github.com/jmylchreest/hlstree/internal/observability"
	"github.com/jmylchreest/hlstree/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// cfg is the loaded configuration, available to all commands.
var cfg *config.Config

// logger is the process logger, available to all commands.
var logger *slog.Logger

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "hlstree",
	Short:   "HLS adaptive-streaming tree inspector",
	Version: version.Short(),
	Long: `hlstree parses HLS (M3U8) presentations into an adaptive-streaming
tree: variant streams, alternate renditions, segment timelines across
discontinuities, and encryption key state. It follows live playlists the
way a player would, refreshing media playlists and preserving the playback
cursor across updates.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		// CLI flags override config and environment.
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format, _ = cmd.Flags().GetString("log-format")
		}

		logger = observability.NewLogger(cfg.Logging)
		observability.SetDefault(logger)
		return nil
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./hlstree.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}
