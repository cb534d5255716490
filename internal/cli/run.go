package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single backup and exit",
		Long: `Run a single backup and exit: check both devices and mounts, take a
snapshot, send it to the backup host (incrementally when a common ancestor
exists there) and apply the retention policies on both hosts.

The exit status is non-zero when the run fails. This is the command the
systemd service unit runs.`,
		RunE: runRun,
	}

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	result, err := newRunner(cfg, logger).Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}

	logger.Info("backup completed successfully",
		"snapshot", result.Snapshot,
		"deleted", result.DeletedCount(),
		"duration", result.Duration,
	)

	return nil
}
