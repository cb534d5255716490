package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hannes-hochreiner/backup-btrfs/internal/app"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run backups periodically in the foreground",
		Long: `Run the backup loop in the foreground, one run per configured interval.
Use Ctrl+C to stop; a run in progress is canceled and its partial transfer
removed.

This is useful for debugging or running in a container. On systemd hosts
prefer 'install', which schedules 'run' with a timer.`,
		RunE: runServe,
	}

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	logger.Info("starting backup-btrfs in foreground mode", "suffix", cfg.Suffix)

	scheduler := app.NewScheduler(newRunner(cfg, logger),
		app.WithInterval(cfg.Interval),
		app.WithRunOnStartup(cfg.RunOnStartup),
		app.WithSchedulerLogger(logger),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler error: %w", err)
	}

	logger.Info("backup-btrfs stopped")
	return nil
}
