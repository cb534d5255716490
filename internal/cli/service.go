package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hannes-hochreiner/backup-btrfs/internal/platform"
)

var errServiceUnsupported = errors.New("service management requires systemd")

var installNoStart bool

// NewInstallCmd creates the install command.
func NewInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the systemd service and timer",
		Long: `Install backup-btrfs.service, which runs a single backup, and
backup-btrfs.timer, which triggers it at the configured interval. The timer
is enabled and started unless --no-start is given. Requires root.`,
		Args: cobra.NoArgs,
		RunE: runInstall,
	}

	cmd.Flags().BoolVar(&installNoStart, "no-start", false, "install the units without enabling the timer")

	return cmd
}

func runInstall(cmd *cobra.Command, args []string) error {
	mgr := platform.NewServiceManager()

	if !mgr.IsSupported() {
		return errServiceUnsupported
	}

	// The units run with the same configuration, so it must load now.
	loader := newLoader()
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	configPath := cfgFile
	if configPath == "" {
		configPath = loader.ConfigFileUsed()
	}

	opts := platform.InstallOptions{
		ConfigPath: configPath,
		Interval:   cfg.Interval,
		AutoStart:  !installNoStart,
	}

	if err := mgr.Install(cmd.Context(), opts); err != nil {
		return fmt.Errorf("failed to install service: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service installed, running every %s.\n", cfg.Interval)
	if installNoStart {
		fmt.Fprintln(out, "Use 'backup-btrfs start' to start the timer.")
	}
	return nil
}

// NewUninstallCmd creates the uninstall command.
func NewUninstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd service and timer",
		Long:  `Stop and disable the timer and remove both units. Snapshots are not touched.`,
		Args:  cobra.NoArgs,
		RunE:  runUninstall,
	}

	return cmd
}

func runUninstall(cmd *cobra.Command, args []string) error {
	mgr := platform.NewServiceManager()

	if !mgr.IsSupported() {
		return errServiceUnsupported
	}

	if err := mgr.Uninstall(cmd.Context()); err != nil {
		return fmt.Errorf("failed to uninstall service: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Service uninstalled.")
	return nil
}

// NewStartCmd creates the start command.
func NewStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the backup timer",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	mgr := platform.NewServiceManager()

	if !mgr.IsSupported() {
		return errServiceUnsupported
	}

	if err := mgr.Start(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Timer started.")
	return nil
}

// NewStopCmd creates the stop command.
func NewStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the backup timer",
		Long:  `Stop the timer. A backup that is already running completes.`,
		Args:  cobra.NoArgs,
		RunE:  runStop,
	}

	return cmd
}

func runStop(cmd *cobra.Command, args []string) error {
	mgr := platform.NewServiceManager()

	if !mgr.IsSupported() {
		return errServiceUnsupported
	}

	if err := mgr.Stop(cmd.Context()); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Timer stopped.")
	return nil
}

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show timer status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	mgr := platform.NewServiceManager()

	if !mgr.IsSupported() {
		return errServiceUnsupported
	}

	status, err := mgr.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get service status: %w", err)
	}

	writeStatus(cmd.OutOrStdout(), status)
	return nil
}

func writeStatus(w io.Writer, status *platform.ServiceStatus) {
	fmt.Fprintf(w, "Timer: %s\n", status.State)
	if status.NextRun != "" {
		fmt.Fprintf(w, "Next run: %s\n", status.NextRun)
	}
	if status.LastResult != "" {
		fmt.Fprintf(w, "Last result: %s\n", status.LastResult)
	}
	if status.Message != "" {
		fmt.Fprintf(w, "Message: %s\n", status.Message)
	}
}
