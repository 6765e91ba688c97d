// Command offlinectl is the operator CLI for the offline-first data
// layer: it initializes the local store, drives one-shot sync and
// migration cycles, and reports health/quota status. Structured the way
// the teacher's cmd/bd and cmd/vibecli binaries are: a package-level
// cobra rootCmd with subcommands registered from init(), flags bound
// through internal/config's viper loader.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/datalayer/internal/config"
)

var (
	cfgFile    string
	dataDir    string
	logFile    string
	logJSON    bool
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "offlinectl",
	Short: "Operator CLI for the offline-first data layer",
	Long: `offlinectl - Offline-First Data Layer CLI

Operator tooling for the embedded sync engine: bring up the local
store, run one-shot sync/migration cycles by hand, and inspect
health and storage quota without waiting for the host application's
own UI.

Commands:
  init     Initialize the local store and mint a device id
  health   Report the Local Store Manager's health
  sync     Run one sync cycle against the configured endpoint
  migrate  Run (or resume) the legacy-store migration
  quota    Probe storage usage and run graded cleanup if warranted

Environment Variables:
  OFFLINE_WSENDPOINT   Duplex channel endpoint (overrides config file)
  OFFLINE_DATADIR      Local store directory (overrides config file)`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.yaml (optional)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "local store directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path (rotated via lumberjack); default stderr only")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print command output as JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(quotaCmd)
}

// loadOptions layers the --data-dir flag over the config file/env/default
// stack built by internal/config.Load.
func loadOptions() (config.Options, error) {
	opts, err := config.Load(cfgFile)
	if err != nil {
		return config.Options{}, fmt.Errorf("offlinectl: %w", err)
	}
	if dataDir != "" {
		opts.DataDir = dataDir
	}
	return opts, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "offlinectl: "+format+"\n", args...)
	os.Exit(1)
}

// rootContext returns a context canceled on SIGINT/SIGTERM, so long-
// running subcommands (quota --watch) shut down their background
// goroutines cleanly instead of relying on the OS to kill the process.
func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func resolveLogLevel() slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
