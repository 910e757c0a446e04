// Package cmd provides the CLI commands for the tradesmith agent.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/adalundhe/tradesmith/core/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tradesmith",
	Short: "Tradesmith - an autonomous exchange agent",
	Long: `Tradesmith is an autonomous agent that negotiates bilateral exchange
sessions with counterparties, takes temporary custody of their goods,
hands them to a processing pipeline, and returns the results.

The agent speaks newline-delimited JSON with a game-side client on
stdin/stdout; see the bridge package for the wire format.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to the configuration file (default ~/.tradesmith/config.yaml)")
}

// loadConfig builds the configuration manager from the --config flag and
// loads it.
func loadConfig() (*config.Manager, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	manager := config.NewManager(path)
	if err := manager.Load(); err != nil {
		return nil, err
	}
	return manager, nil
}

// parseLevel maps a configured level name onto a slog level. Unknown names
// fall back to info.
func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger from the log configuration. Logs go
// to stderr: stdout belongs to the bridge. A non-nil level lets the caller
// retune verbosity after construction, for configuration hot reload.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	var leveler slog.Leveler = parseLevel(cfg.Level)
	if level != nil {
		level.Set(parseLevel(cfg.Level))
		leveler = level
	}

	opts := &slog.HandlerOptions{Level: leveler}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
