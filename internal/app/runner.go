// Package app provides the core application logic.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hannes-hochreiner/backup-btrfs/internal/btrfs"
	"github.com/hannes-hochreiner/backup-btrfs/internal/catalog"
	"github.com/hannes-hochreiner/backup-btrfs/internal/config"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
	"github.com/hannes-hochreiner/backup-btrfs/internal/executor"
	"github.com/hannes-hochreiner/backup-btrfs/internal/retention"
	"github.com/hannes-hochreiner/backup-btrfs/internal/transfer"
)

// Runner orchestrates backup runs between the source and the backup host.
type Runner struct {
	sourceExec    domain.Executor
	backupExec    domain.Executor
	metricsPusher domain.MetricsPusher
	notifier      domain.Notifier
	config        *config.Config
	logger        *slog.Logger
	hostname      string
	now           func() time.Time

	source *catalog.Catalog
	backup *catalog.Catalog
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSourceExecutor sets the executor for the source host.
func WithSourceExecutor(e domain.Executor) RunnerOption {
	return func(r *Runner) {
		r.sourceExec = e
	}
}

// WithBackupExecutor sets the executor for the backup host.
func WithBackupExecutor(e domain.Executor) RunnerOption {
	return func(r *Runner) {
		r.backupExec = e
	}
}

// WithMetricsPusher sets the metrics pusher.
func WithMetricsPusher(m domain.MetricsPusher) RunnerOption {
	return func(r *Runner) {
		r.metricsPusher = m
	}
}

// WithNotifier sets the notifier.
func WithNotifier(n domain.Notifier) RunnerOption {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithClock sets the time source for snapshot names and retention.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a new Runner. Executors not set through options are
// built from the configuration: a local one for the source, and for the
// backup an ssh one when backup.ssh_host is set, a local one otherwise.
func NewRunner(cfg *config.Config, opts ...RunnerOption) *Runner {
	hostname, _ := os.Hostname()

	r := &Runner{
		config:   cfg,
		logger:   slog.Default(),
		hostname: hostname,
		notifier: &domain.NopNotifier{},
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.sourceExec == nil {
		r.sourceExec = executor.NewLocal(cfg.Source.User, executor.WithLogger(r.logger))
	}
	if r.backupExec == nil {
		if cfg.Backup.IsRemote() {
			r.backupExec = executor.NewRemote(cfg.Backup.SSHHost, executor.WithLogger(r.logger)).
				WithSSHConfig(cfg.Backup.SSHConfig).
				WithSSHUser(cfg.Backup.SSHUser)
		} else {
			r.backupExec = executor.NewLocal(cfg.Source.User, executor.WithLogger(r.logger))
		}
	}

	r.source = catalog.New(r.commander(r.sourceExec), cfg.Source.SnapshotPath, cfg.Suffix, r.logger)
	r.backup = catalog.New(r.commander(r.backupExec), cfg.Backup.Path, cfg.Suffix, r.logger)

	return r
}

func (r *Runner) commander(e domain.Executor) *btrfs.Commander {
	return btrfs.NewCommander(e, btrfs.WithSudo(r.config.BTRFS.Sudo), btrfs.WithLogger(r.logger))
}

// Source returns the catalog of the source host.
func (r *Runner) Source() *catalog.Catalog {
	return r.source
}

// Backup returns the catalog of the backup host.
func (r *Runner) Backup() *catalog.Catalog {
	return r.backup
}

// Hostname returns the name of the machine the runner reports as.
func (r *Runner) Hostname() string {
	return r.hostname
}

// Run executes a single backup run. The returned error is the phase error
// of a failed run; the result is always returned.
func (r *Runner) Run(ctx context.Context) (*domain.RunResult, error) {
	result := domain.NewRunResult(r.config.DryRun)

	r.logger.Info("starting backup run",
		"suffix", r.config.Suffix,
		"source", r.sourceExec.Host(),
		"backup", r.backupExec.Host(),
		"dry_run", r.config.DryRun,
	)

	var runErr error
	if err := r.execute(ctx, result); err != nil {
		attempted := result.Phase.Next()
		runErr = &domain.PhaseError{Phase: attempted, Err: err}
		result.Fail(attempted, runErr)
		r.logger.Error("backup run failed", "phase", attempted, "kind", result.ErrorKind, "error", err)
	}

	result.Complete()

	// Reporting must not be skipped because the run was canceled.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if err := r.pushMetrics(reportCtx, result); err != nil {
		r.logger.Error("failed to push metrics", "error", err)
		result.AddWarning(fmt.Sprintf("metrics push failed: %v", err))
	}

	if err := r.sendNotifications(reportCtx, result); err != nil {
		r.logger.Error("failed to send notification", "error", err)
	}

	r.logger.Info("backup run completed",
		"success", result.Success,
		"phase", result.Phase,
		"warnings", len(result.Warnings),
		"duration", result.Duration,
	)

	return result, runErr
}

// execute walks the phases, advancing result after each one. It returns
// the error that stopped the run.
func (r *Runner) execute(ctx context.Context, result *domain.RunResult) error {
	if err := r.Check(ctx); err != nil {
		return err
	}
	result.Advance(domain.PhaseContextsReady)

	snap, err := r.snapshot(ctx)
	if err != nil {
		return err
	}
	result.Snapshot = snap
	result.Advance(domain.PhaseSourceSnapshotCreated)

	plan, err := r.plan(ctx, snap)
	if err != nil {
		return err
	}
	result.Advance(domain.PhasePlanComputed)

	if plan != nil {
		if r.config.DryRun {
			r.logger.Info("dry run: would transfer snapshot", "plan", plan.String())
		} else {
			tr, err := transfer.NewPlanner(r.source, r.backup, r.logger).Execute(ctx, *plan)
			if err != nil {
				return err
			}
			result.Transfer = tr
		}
	}
	result.Advance(domain.PhaseTransferComplete)

	now := r.now()
	if result.SourceRetention, err = r.applyRetention(ctx, r.source, r.config.Source.Policy, now, result); err != nil {
		return err
	}
	if result.BackupRetention, err = r.applyRetention(ctx, r.backup, r.config.Backup.Policy, now, result); err != nil {
		return err
	}
	result.Advance(domain.PhaseRetentionApplied)

	result.Advance(domain.PhaseDone)
	return nil
}

// Check resolves both devices and confirms that the snapshot subvolume and
// the backup subvolume are btrfs mounts backed by them.
func (r *Runner) Check(ctx context.Context) error {
	checks := []struct {
		cmd    *btrfs.Commander
		device string
		target string
	}{
		{r.source.Commander(), r.config.Source.Device, r.config.Source.SnapshotSubvolumePath},
		{r.backup.Commander(), r.config.Backup.Device, r.config.Backup.SubvolumePath},
	}

	for _, c := range checks {
		dev, err := c.cmd.ResolveDevice(ctx, c.device)
		if err != nil {
			return err
		}
		if _, err := c.cmd.CheckMount(ctx, dev, c.target); err != nil {
			return err
		}
		r.logger.Debug("context ready", "host", c.cmd.Host(), "device", dev.Canonical, "mount", c.target)
	}
	return nil
}

// snapshot creates the snapshot of this run. A dry run uses the newest
// existing snapshot instead; it may be nil.
func (r *Runner) snapshot(ctx context.Context) (*domain.Snapshot, error) {
	if !r.config.DryRun {
		return r.source.Create(ctx, r.config.Source.SubvolumePath, r.now())
	}

	lineage, err := r.source.List(ctx)
	if err != nil {
		return nil, err
	}
	snap := lineage.Newest()
	r.logger.Info("dry run: would create snapshot",
		"subvolume", r.config.Source.SubvolumePath,
		"name", btrfs.SnapshotName(r.now(), r.config.Suffix),
	)
	return snap, nil
}

// plan computes the transfer of snap. It returns nil when there is nothing
// to transfer.
func (r *Runner) plan(ctx context.Context, snap *domain.Snapshot) (*domain.TransferPlan, error) {
	if snap == nil {
		r.logger.Info("no snapshot to transfer")
		return nil, nil
	}

	source, err := r.source.List(ctx)
	if err != nil {
		return nil, err
	}
	backup, err := r.backup.List(ctx)
	if err != nil {
		return nil, err
	}

	if _, ok := backup.Origins()[snap.UUID]; ok {
		r.logger.Info("snapshot already on backup", "snapshot", snap.Name)
		return nil, nil
	}

	plan := transfer.Plan(source, backup, snap)
	r.logger.Info("transfer planned", "plan", plan.String())
	return &plan, nil
}

// applyRetention prunes one host. Failed deletions become run warnings.
func (r *Runner) applyRetention(ctx context.Context, cat *catalog.Catalog, policy domain.RetentionPolicy, now time.Time, result *domain.RunResult) (*domain.RetentionResult, error) {
	lineage, err := cat.List(ctx)
	if err != nil {
		return nil, err
	}

	rr, err := retention.NewEngine(cat, r.logger).Apply(ctx, lineage, policy, now, r.config.DryRun)
	if err != nil {
		return rr, err
	}

	paths := make([]string, 0, len(rr.Failed))
	for p := range rr.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		result.AddWarning(fmt.Sprintf("%s: failed to delete %s: %s", rr.Host, p, rr.Failed[p]))
	}

	return rr, nil
}

// Preview is the read-only outlook of a run.
type Preview struct {
	Source *domain.Lineage
	Backup *domain.Lineage

	// Plan transfers the newest source snapshot; nil when it is already on
	// the backup or the source has no snapshot.
	Plan *domain.TransferPlan

	SourceRetention []domain.RetentionDecision
	BackupRetention []domain.RetentionDecision
}

// Preview lists both hosts and evaluates transfer and retention without
// changing anything.
func (r *Runner) Preview(ctx context.Context) (*Preview, error) {
	source, err := r.source.List(ctx)
	if err != nil {
		return nil, err
	}
	backup, err := r.backup.List(ctx)
	if err != nil {
		return nil, err
	}

	p := &Preview{Source: source, Backup: backup}

	if snap := source.Newest(); snap != nil {
		if _, ok := backup.Origins()[snap.UUID]; !ok {
			plan := transfer.Plan(source, backup, snap)
			p.Plan = &plan
		}
	}

	now := r.now()
	p.SourceRetention = retention.Evaluate(source, r.config.Source.Policy, now)
	p.BackupRetention = retention.Evaluate(backup, r.config.Backup.Policy, now)

	return p, nil
}

// pushMetrics sends metrics to the metrics pusher.
func (r *Runner) pushMetrics(ctx context.Context, result *domain.RunResult) error {
	if r.metricsPusher == nil {
		return nil
	}

	metrics := domain.NewMetrics(r.hostname, r.config.Suffix)
	metrics.ServiceUp = true
	metrics.Run = result
	metrics.SourceSnapshots = remaining(result.SourceRetention)
	metrics.BackupSnapshots = remaining(result.BackupRetention)

	return r.metricsPusher.Push(ctx, metrics)
}

// pushServiceDown reports that the service is stopping.
func (r *Runner) pushServiceDown(ctx context.Context) error {
	if r.metricsPusher == nil {
		return nil
	}

	metrics := domain.NewMetrics(r.hostname, r.config.Suffix)
	metrics.ServiceUp = false
	return r.metricsPusher.Push(ctx, metrics)
}

// remaining is the number of snapshots left on a host after retention.
func remaining(rr *domain.RetentionResult) int {
	if rr == nil {
		return 0
	}
	return len(rr.Decisions) - len(rr.Deleted)
}

// sendNotifications sends notifications based on the result and config.
func (r *Runner) sendNotifications(ctx context.Context, result *domain.RunResult) error {
	if r.notifier == nil {
		return nil
	}

	notifyLevel := r.config.Apprise.Notify

	var notification *domain.Notification

	switch {
	case !result.Success:
		notification = domain.NewNotification(
			fmt.Sprintf("Backup of %s failed", r.config.Suffix),
			r.buildErrorMessage(result),
			domain.NotificationLevelError,
		)

	case len(result.Warnings) > 0 && (notifyLevel == config.NotifyWarning || notifyLevel == config.NotifyAlways):
		notification = domain.NewNotification(
			fmt.Sprintf("Backup of %s completed with warnings", r.config.Suffix),
			r.buildSuccessMessage(result),
			domain.NotificationLevelWarning,
		)

	case notifyLevel == config.NotifyAlways:
		notification = domain.NewNotification(
			fmt.Sprintf("Backup of %s completed", r.config.Suffix),
			r.buildSuccessMessage(result),
			domain.NotificationLevelInfo,
		)
	}

	if notification == nil {
		return nil
	}

	return r.notifier.Notify(ctx, notification)
}

// buildErrorMessage builds an error notification message.
func (r *Runner) buildErrorMessage(result *domain.RunResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Backup failed on %s during %s (%s).\n", r.hostname, result.FailedPhase, result.ErrorKind)
	for _, err := range result.Errors {
		fmt.Fprintf(&b, "Error: %s\n", err)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}

	return b.String()
}

// buildSuccessMessage builds a success notification message.
func (r *Runner) buildSuccessMessage(result *domain.RunResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Backup completed on %s.\n", r.hostname)
	if result.DryRun {
		b.WriteString("Dry run: nothing was changed.\n")
	}
	if result.Snapshot != nil {
		fmt.Fprintf(&b, "Snapshot: %s\n", result.Snapshot.Name)
	}
	if result.Transfer != nil {
		fmt.Fprintf(&b, "Transfer: %s in %s\n", result.Transfer.Plan.Mode, result.Transfer.Duration.Round(100*time.Millisecond))
	}
	fmt.Fprintf(&b, "Deleted: %d snapshots\n", result.DeletedCount())
	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	fmt.Fprintf(&b, "Duration: %s", result.Duration.Round(100*time.Millisecond))

	return b.String()
}

