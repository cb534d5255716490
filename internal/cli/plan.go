package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hannes-hochreiner/backup-btrfs/internal/app"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// NewPlanCmd creates the plan command.
func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what the next run would transfer and delete",
		Long: `List the snapshots on both hosts and show the transfer of the newest
source snapshot and the retention decision for every snapshot, with the
tiers that keep it. Nothing is changed.`,
		RunE: runPlan,
	}

	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	runner := newRunner(cfg, logger)
	preview, err := runner.Preview(cmd.Context())
	if err != nil {
		return err
	}

	return writePreview(cmd.OutOrStdout(), preview, cfg.Source.Policy, cfg.Backup.Policy)
}

// writePreview renders a preview as plain text tables.
func writePreview(w io.Writer, p *app.Preview, sourcePolicy, backupPolicy domain.RetentionPolicy) error {
	fmt.Fprintln(w, "Transfer:")
	switch {
	case p.Plan != nil:
		fmt.Fprintf(w, "  %s\n", p.Plan.String())
	case p.Source.Newest() == nil:
		fmt.Fprintln(w, "  nothing to transfer: no source snapshot")
	default:
		fmt.Fprintf(w, "  nothing to transfer: %s is on the backup\n", p.Source.Newest().Name)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Source retention (%s):\n", sourcePolicy)
	if err := writeDecisions(w, p.SourceRetention); err != nil {
		return err
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Backup retention (%s):\n", backupPolicy)
	return writeDecisions(w, p.BackupRetention)
}

func writeDecisions(w io.Writer, decisions []domain.RetentionDecision) error {
	if len(decisions) == 0 {
		fmt.Fprintln(w, "  no snapshots")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, d := range decisions {
		verdict := "delete"
		if d.Keep {
			verdict = "keep"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", d.Snapshot.Name, verdict, strings.Join(d.Reasons, "; "))
	}
	return tw.Flush()
}
