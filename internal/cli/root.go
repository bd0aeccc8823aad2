// Package cli provides the courier command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/courier/internal/config"
	"github.com/opencode-ai/courier/internal/db"
	"github.com/opencode-ai/courier/internal/logging"
)

var (
	rootConfigPath string
	rootDBPath     string
	rootLogLevel   string
	rootLogPretty  bool

	// cfg is loaded once in the persistent pre-run and shared by all
	// commands.
	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&rootLogPretty, "pretty", false, "human-readable console logging")
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Chat request routing, tool dispatch, and usage metering",
	Long: "Courier routes chat-bot requests through band classification, " +
		"permission gating, and quota enforcement, then dispatches the " +
		"selected capability and meters its usage.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(rootConfigPath)
		if err != nil {
			return err
		}
		if rootDBPath != "" {
			loaded.DBPath = rootDBPath
		}
		if rootLogLevel != "" {
			loaded.LogLevel = rootLogLevel
		}
		if rootLogPretty {
			loaded.LogPretty = true
		}
		cfg = loaded

		logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogPretty)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openDatabase opens the configured sqlite database.
func openDatabase() (*db.DB, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DBPath, err)
	}
	return database, nil
}
