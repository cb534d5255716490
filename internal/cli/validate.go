package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hannes-hochreiner/backup-btrfs/internal/btrfs"
	"github.com/hannes-hochreiner/backup-btrfs/internal/catalog"
	"github.com/hannes-hochreiner/backup-btrfs/internal/config"
	"github.com/hannes-hochreiner/backup-btrfs/internal/http"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and test both hosts",
		Long: `Validate the configuration file and test the environment of a run.

This checks:
- Config file syntax and values
- btrfs-progs on the source and the backup host (over ssh)
- Devices and mounts of the snapshot and backup subvolumes
- Snapshot directories on both hosts
- Pushgateway connectivity (if enabled)
- Apprise server connectivity (if enabled)`,
		RunE: runValidate,
	}

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Configuration:")
	loader := newLoader()
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(out, "  ✗ Config file: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "  ✓ Config file valid\n")

	configPath := loader.ConfigFileUsed()
	if configPath == "" {
		configPath = "(none, defaults and environment only)"
	}
	fmt.Fprintf(out, "  Config file: %s\n", configPath)
	writeSummary(out, cfg)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Checks:")
	logger, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(out, "  ✗ Logging: %v\n", err)
		return err
	}

	runner := newRunner(cfg, logger)
	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Fprintf(out, "  ✗ %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "  ✓ %s\n", name)
	}

	for _, c := range []*btrfs.Commander{runner.Source().Commander(), runner.Backup().Commander()} {
		v, err := c.Version(ctx)
		if err == nil {
			fmt.Fprintf(out, "  ✓ %s on %s\n", v, c.Host())
		} else {
			check("btrfs on "+c.Host(), err)
		}
	}

	check("Devices and mounts", runner.Check(ctx))

	for _, cat := range []*catalog.Catalog{runner.Source(), runner.Backup()} {
		exists, err := cat.Commander().Exists(ctx, cat.Root())
		if err == nil && !exists {
			err = fmt.Errorf("%s does not exist", cat.Root())
		}
		check(fmt.Sprintf("Snapshot directory %s:%s", cat.Commander().Host(), cat.Root()), err)
	}

	// No retries for validation
	httpClient := http.NewClient(
		http.WithRetryConfig(http.RetryConfig{
			MaxAttempts:  1,
			InitialDelay: time.Second,
			MaxDelay:     time.Second,
		}),
		http.WithLogger(logger),
	)

	if pusher := newPusher(cfg, httpClient, logger); pusher != nil {
		check("Pushgateway reachable", pusher.Validate(ctx))
	}
	if apprise := newApprise(cfg, httpClient, logger); apprise != nil {
		check("Apprise server reachable", apprise.Validate(ctx))
	}

	fmt.Fprintln(out)
	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	fmt.Fprintln(out, "Validation complete.")
	return nil
}

// writeSummary prints the effective configuration.
func writeSummary(w io.Writer, cfg *config.Config) {
	backupHost := cfg.Backup.SSHHost
	if !cfg.Backup.IsRemote() {
		backupHost = "local"
	}

	fmt.Fprintf(w, "  Suffix: %s\n", cfg.Suffix)
	fmt.Fprintf(w, "  Source: %s -> %s\n", cfg.Source.SubvolumePath, cfg.Source.SnapshotPath)
	fmt.Fprintf(w, "  Backup: %s:%s\n", backupHost, cfg.Backup.Path)
	fmt.Fprintf(w, "  Source policy: %s\n", cfg.Source.Policy)
	fmt.Fprintf(w, "  Backup policy: %s\n", cfg.Backup.Policy)
	fmt.Fprintf(w, "  Interval: %s\n", cfg.Interval)
	fmt.Fprintf(w, "  Dry run: %t\n", cfg.DryRun)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  Metrics: enabled (%s, job %s)\n", cfg.Metrics.PushgatewayURL, cfg.Metrics.Job)
	} else {
		fmt.Fprintf(w, "  Metrics: disabled\n")
	}
	if cfg.Apprise.Enabled {
		fmt.Fprintf(w, "  Notifications: enabled (%s, level %s)\n", cfg.Apprise.URL, cfg.Apprise.Notify)
	} else {
		fmt.Fprintf(w, "  Notifications: log only\n")
	}
}
