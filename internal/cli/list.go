package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

var listJSON bool

// NewListCmd creates the list command.
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the snapshots on both hosts",
		Long:  `List the snapshots of the configured suffix on the source and the backup host.`,
		RunE:  runList,
	}

	cmd.Flags().BoolVar(&listJSON, "json", false, "output in JSON format")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	runner := newRunner(cfg, logger)

	source, err := runner.Source().List(cmd.Context())
	if err != nil {
		return err
	}
	backup, err := runner.Backup().List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if listJSON {
		data, err := json.MarshalIndent(map[string][]*domain.Snapshot{
			"source": source.Snapshots(),
			"backup": backup.Snapshots(),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal snapshots: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Source (%s:%s):\n", runner.Source().Commander().Host(), runner.Source().Root())
	if err := writeLineage(out, source); err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Backup (%s:%s):\n", runner.Backup().Commander().Host(), runner.Backup().Root())
	return writeLineage(out, backup)
}

// writeLineage renders the snapshots of a lineage, oldest first.
func writeLineage(w io.Writer, l *domain.Lineage) error {
	if l.Len() == 0 {
		fmt.Fprintln(w, "  no snapshots")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  NAME\tUUID\tPARENT\tRECEIVED\tRO")
	for _, s := range l.Snapshots() {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%t\n", s.Name, s.UUID, shortUUID(s.ParentUUID), shortUUID(s.ReceivedUUID), s.ReadOnly)
	}
	return tw.Flush()
}

func shortUUID(id uuid.NullUUID) string {
	if !id.Valid {
		return "-"
	}
	return id.UUID.String()[:8]
}
