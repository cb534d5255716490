// Package cli provides the command-line interface.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hannes-hochreiner/backup-btrfs/internal/config"
	"github.com/hannes-hochreiner/backup-btrfs/pkg/version"
)

var (
	cfgFile  string
	dryRun   bool
	logLevel string
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   version.Name,
		Short: "Incremental btrfs snapshot backups to a second host",
		Long: `backup-btrfs takes read-only snapshots of a btrfs subvolume, sends them
incrementally to a backup filesystem on another host (over ssh) and prunes
old snapshots on both sides with a tiered retention policy.

It can run as a one-shot backup, a foreground service, or from a systemd timer.`,
		Version: version.Get().String(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "check and plan without creating, sending or deleting snapshots")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewPlanCmd())
	rootCmd.AddCommand(NewListCmd())
	rootCmd.AddCommand(NewValidateCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewInstallCmd())
	rootCmd.AddCommand(NewUninstallCmd())
	rootCmd.AddCommand(NewStartCmd())
	rootCmd.AddCommand(NewStopCmd())
	rootCmd.AddCommand(NewStatusCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// initConfig installs a stderr logger until the configuration is loaded.
func initConfig() error {
	level, err := parseLevel(logLevel, slog.LevelInfo)
	if err != nil {
		return err
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))

	return nil
}

// parseLevel maps a level name to a slog level; empty yields def.
func parseLevel(name string, def slog.Level) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return def, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return def, fmt.Errorf("unknown log level %q", name)
	}
}

// setupLogging configures logging based on the loaded config. Log files are
// rotated; log.output = "stderr" keeps logging on the terminal.
func setupLogging(cfg *config.Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Log.Level, slog.LevelInfo)
	if err != nil {
		return nil, err
	}

	// CLI flag overrides config
	if level, err = parseLevel(logLevel, level); err != nil {
		return nil, err
	}

	var output io.Writer = os.Stderr
	if cfg.Log.Output != "" && cfg.Log.Output != config.LogOutputStderr {
		dir := filepath.Dir(cfg.Log.Output)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		output = &lumberjack.Logger{
			Filename:   cfg.Log.Output,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	handler := slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, nil
}

// newLoader creates a loader with the CLI flag overrides applied.
func newLoader() *config.Loader {
	loader := config.NewLoader()

	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	if dryRun {
		loader.Set("dry_run", true)
	}
	if logLevel != "" {
		loader.Set("log.level", logLevel)
	}

	return loader
}

// loadConfig loads the application configuration.
func loadConfig() (*config.Config, error) {
	return newLoader().Load()
}
