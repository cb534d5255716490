package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes-hochreiner/backup-btrfs/internal/btrfs"
	"github.com/hannes-hochreiner/backup-btrfs/internal/btrfs/btrfstest"
	"github.com/hannes-hochreiner/backup-btrfs/internal/config"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
	"github.com/hannes-hochreiner/backup-btrfs/internal/metrics"
	"github.com/hannes-hochreiner/backup-btrfs/internal/notify"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

const (
	snapshotDir = "/mnt/btrfs-root/snapshots"
	backupDir   = "/data/snapshots"
)

func testConfig() *config.Config {
	return &config.Config{
		Suffix: "home",
		Source: config.SourceConfig{
			SubvolumePath:         "/home",
			Device:                "/dev/disk/by-uuid/src",
			SnapshotSubvolumePath: "/mnt/btrfs-root",
			SnapshotPath:          snapshotDir,
			Policy:                domain.RetentionPolicy{{Value: 24, Unit: domain.UnitHours}},
		},
		Backup: config.BackupConfig{
			SSHHost:       "charon",
			Device:        "/dev/disk/by-uuid/dst",
			SubvolumePath: "/data",
			Path:          backupDir,
			Policy:        domain.RetentionPolicy{{Value: 24, Unit: domain.UnitHours}},
		},
		BTRFS:        config.BTRFSConfig{Sudo: true},
		Interval:     time.Hour,
		RunOnStartup: true,
		Apprise: config.AppriseConfig{
			Notify: config.NotifyError,
		},
	}
}

// env is a source and a backup host ready for a run.
type env struct {
	src      *btrfstest.Host
	dst      *btrfstest.Host
	clock    time.Time
	metrics  *metrics.MockPusher
	notifier *notify.MockNotifier
}

func newEnv() *env {
	src := btrfstest.NewHost("localhost")
	src.AddDevice("/dev/disk/by-uuid/src", "/dev/sda2")
	src.AddMount("/", "/mnt/btrfs-root", "/dev/sda2")
	src.AddDir(snapshotDir)
	src.AddSubvolume("/home")

	dst := btrfstest.NewHost("charon")
	dst.AddDevice("/dev/disk/by-uuid/dst", "/dev/sdb1")
	dst.AddMount("/", "/data", "/dev/sdb1")
	dst.AddDir(backupDir)

	return &env{
		src:      src,
		dst:      dst,
		clock:    t0,
		metrics:  &metrics.MockPusher{},
		notifier: &notify.MockNotifier{},
	}
}

func (e *env) runner(cfg *config.Config) *Runner {
	return NewRunner(cfg,
		WithSourceExecutor(e.src),
		WithBackupExecutor(e.dst),
		WithMetricsPusher(e.metrics),
		WithNotifier(e.notifier),
		WithClock(func() time.Time { return e.clock }),
	)
}

func mutations(calls []string) []string {
	var out []string
	for _, c := range calls {
		for _, m := range []string{"subvolume snapshot", "subvolume delete", "btrfs receive"} {
			if strings.Contains(c, m) {
				out = append(out, c)
			}
		}
	}
	return out
}

func TestRunner_Run_FullThenIncremental(t *testing.T) {
	e := newEnv()
	r := e.runner(testConfig())

	first, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, domain.PhaseDone, first.Phase)
	require.NotNil(t, first.Transfer)
	assert.Equal(t, domain.TransferFull, first.Transfer.Plan.Mode)
	assert.Equal(t, btrfs.SnapshotName(t0, "home"), first.Snapshot.Name)

	e.clock = t0.Add(time.Hour)

	second, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Success)
	require.NotNil(t, second.Transfer)
	require.True(t, second.Transfer.Plan.IsIncremental())
	assert.Equal(t, first.Snapshot.UUID, second.Transfer.Plan.Base.UUID)

	assert.Equal(t, []string{btrfs.SnapshotName(t0, "home"), btrfs.SnapshotName(t0.Add(time.Hour), "home")}, e.dst.Names(backupDir))
	assert.Len(t, e.src.Names(snapshotDir), 2)
	assert.Empty(t, second.Warnings)
}

func TestRunner_Run_Repeated(t *testing.T) {
	e := newEnv()
	r := e.runner(testConfig())

	for i := 0; i < 3; i++ {
		e.clock = t0.Add(time.Duration(i) * time.Hour)
		result, err := r.Run(context.Background())
		require.NoError(t, err, "run %d", i)
		assert.True(t, result.Success)
	}

	source, err := r.Source().List(context.Background())
	require.NoError(t, err)
	backup, err := r.Backup().List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, source.Len())
	assert.Equal(t, 3, backup.Len())
	for _, s := range source.Snapshots() {
		_, ok := backup.Origins()[s.UUID]
		assert.True(t, ok, "%s is on the backup", s.Name)
	}
}

func TestRunner_Run_ConsumerFailureSkipsRetention(t *testing.T) {
	e := newEnv()
	cfg := testConfig()
	cfg.Source.Policy = domain.RetentionPolicy{{Value: 1, Unit: domain.UnitHours}}
	r := e.runner(cfg)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	e.clock = t0.Add(3 * time.Hour)
	e.dst.FailCommand("btrfs receive", 1)
	e.dst.LeavePartialReceive(true)

	result, err := r.Run(context.Background())

	require.Error(t, err)
	var phaseErr *domain.PhaseError
	require.True(t, errors.As(err, &phaseErr))
	assert.Equal(t, domain.PhaseTransferComplete, phaseErr.Phase)

	assert.False(t, result.Success)
	assert.Equal(t, domain.PhaseFailed, result.Phase)
	assert.Equal(t, domain.PhaseTransferComplete, result.FailedPhase)
	assert.Equal(t, domain.KindExecution, result.ErrorKind)
	assert.Nil(t, result.SourceRetention)
	assert.Nil(t, result.BackupRetention)

	// The backup is unchanged and the old source snapshot survived.
	assert.Equal(t, []string{btrfs.SnapshotName(t0, "home")}, e.dst.Names(backupDir))
	assert.Len(t, e.src.Names(snapshotDir), 2)

	// Once a newer snapshot is on the backup the leftover is superseded and
	// pruned by the policy like any other source snapshot.
	e.clock = t0.Add(6 * time.Hour)
	result, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{btrfs.SnapshotName(e.clock, "home")}, e.src.Names(snapshotDir))
	assert.Contains(t, e.dst.Names(backupDir), btrfs.SnapshotName(e.clock, "home"))
}

func TestRunner_Run_Retention(t *testing.T) {
	e := newEnv()
	cfg := testConfig()
	cfg.Source.Policy = domain.RetentionPolicy{{Value: 1, Unit: domain.UnitHours}}
	r := e.runner(cfg)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	e.clock = t0.Add(3 * time.Hour)
	result, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, result.SourceRetention)
	assert.Equal(t, []string{snapshotDir + "/" + btrfs.SnapshotName(t0, "home")}, result.SourceRetention.Deleted)
	assert.Empty(t, result.BackupRetention.Deleted)
	assert.Equal(t, []string{btrfs.SnapshotName(t0.Add(3*time.Hour), "home")}, e.src.Names(snapshotDir))
	assert.Len(t, e.dst.Names(backupDir), 2)
}

func TestRunner_Run_DeletionFailureIsWarning(t *testing.T) {
	e := newEnv()
	cfg := testConfig()
	cfg.Source.Policy = domain.RetentionPolicy{{Value: 1, Unit: domain.UnitHours}}
	cfg.Apprise.Notify = config.NotifyWarning
	r := e.runner(cfg)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	e.clock = t0.Add(3 * time.Hour)
	e.src.FailCommand("btrfs subvolume delete", 1)

	result, err := r.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "failed to delete")
	assert.Contains(t, result.Warnings[0], btrfs.SnapshotName(t0, "home"))
	assert.Len(t, result.SourceRetention.Failed, 1)

	require.Len(t, e.notifier.Sent(), 1)
	assert.Equal(t, domain.NotificationLevelWarning, e.notifier.Sent()[0].Level)
	assert.Contains(t, e.notifier.Sent()[0].Body, "failed to delete")
}

func TestRunner_Run_DryRun(t *testing.T) {
	e := newEnv()
	home, ok := e.src.Get("/home")
	require.True(t, ok)
	for _, age := range []time.Duration{48 * time.Hour, 47 * time.Hour} {
		e.src.Put(&btrfstest.Subvolume{
			Path:       snapshotDir + "/" + btrfs.SnapshotName(t0.Add(-age), "home"),
			UUID:       uuid.New(),
			ParentUUID: uuid.NullUUID{UUID: home.UUID, Valid: true},
			ReadOnly:   true,
		})
	}

	cfg := testConfig()
	cfg.DryRun = true
	cfg.Source.Policy = domain.RetentionPolicy{{Value: 1, Unit: domain.UnitHours}}
	r := e.runner(cfg)

	result, err := r.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.DryRun)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, btrfs.SnapshotName(t0.Add(-47*time.Hour), "home"), result.Snapshot.Name)
	assert.Nil(t, result.Transfer)

	require.NotNil(t, result.SourceRetention)
	assert.True(t, result.SourceRetention.DryRun)
	assert.Len(t, result.SourceRetention.Decisions, 2)
	assert.Equal(t, 1, result.SourceRetention.Kept())
	assert.Empty(t, result.SourceRetention.Deleted)

	assert.Empty(t, mutations(e.src.Calls()))
	assert.Empty(t, mutations(e.dst.Calls()))
	assert.Len(t, e.src.Names(snapshotDir), 2)
	assert.Empty(t, e.dst.Names(backupDir))
}

func TestRunner_Run_MountPrecondition(t *testing.T) {
	e := newEnv()
	e.dst = btrfstest.NewHost("charon")
	e.dst.AddDevice("/dev/disk/by-uuid/dst", "/dev/sdb1")
	e.dst.AddDir(backupDir)
	r := e.runner(testConfig())

	result, err := r.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, domain.PhaseContextsReady, result.FailedPhase)
	assert.Equal(t, domain.KindPrecondition, result.ErrorKind)
	assert.Contains(t, err.Error(), "mount /data")
	assert.Empty(t, mutations(e.src.Calls()))

	require.Len(t, e.notifier.Sent(), 1)
	assert.Equal(t, domain.NotificationLevelError, e.notifier.Sent()[0].Level)
	assert.Contains(t, e.notifier.Sent()[0].Body, "contexts_ready")
}

func TestRunner_Run_WrongDevice(t *testing.T) {
	e := newEnv()
	e.src.AddDevice("/dev/disk/by-uuid/other", "/dev/sdc1")
	cfg := testConfig()
	cfg.Source.Device = "/dev/disk/by-uuid/other"
	r := e.runner(cfg)

	result, err := r.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, domain.KindPrecondition, result.ErrorKind)
	assert.Contains(t, err.Error(), "backed by /dev/sda2")
}

func TestRunner_Run_MissingDevice(t *testing.T) {
	e := newEnv()
	cfg := testConfig()
	cfg.Source.Device = "/dev/disk/by-uuid/missing"
	r := e.runner(cfg)

	result, err := r.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, domain.KindPrecondition, result.ErrorKind)
	assert.Equal(t, domain.PhaseContextsReady, result.FailedPhase)
}

func TestRunner_Run_PushesMetrics(t *testing.T) {
	e := newEnv()
	r := e.runner(testConfig())

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, e.metrics.Pushed(), 1)
	m := e.metrics.Pushed()[0]
	assert.True(t, m.ServiceUp)
	assert.Equal(t, "home", m.Suffix)
	assert.Same(t, result, m.Run)
	assert.Equal(t, 1, m.SourceSnapshots)
	assert.Equal(t, 1, m.BackupSnapshots)
}

func TestRunner_Run_MetricsFailureIsWarning(t *testing.T) {
	e := newEnv()
	e.metrics.PushFunc = func(context.Context, *domain.Metrics) error {
		return errors.New("connection refused")
	}
	r := e.runner(testConfig())

	result, err := r.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "metrics push failed")
}

func TestRunner_SendNotifications(t *testing.T) {
	tests := []struct {
		name     string
		level    config.NotifyLevel
		success  bool
		warnings bool
		want     domain.NotificationLevel
	}{
		{name: "error level, success", level: config.NotifyError, success: true},
		{name: "error level, warnings", level: config.NotifyError, success: true, warnings: true},
		{name: "error level, failure", level: config.NotifyError, want: domain.NotificationLevelError},
		{name: "warning level, success", level: config.NotifyWarning, success: true},
		{name: "warning level, warnings", level: config.NotifyWarning, success: true, warnings: true, want: domain.NotificationLevelWarning},
		{name: "warning level, failure", level: config.NotifyWarning, want: domain.NotificationLevelError},
		{name: "always, success", level: config.NotifyAlways, success: true, want: domain.NotificationLevelInfo},
		{name: "always, warnings", level: config.NotifyAlways, success: true, warnings: true, want: domain.NotificationLevelWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Apprise.Notify = tt.level
			notifier := &notify.MockNotifier{}
			r := NewRunner(cfg, WithSourceExecutor(btrfstest.NewHost("localhost")), WithBackupExecutor(btrfstest.NewHost("charon")), WithNotifier(notifier))

			result := domain.NewRunResult(false)
			if tt.success {
				result.Advance(domain.PhaseDone)
			} else {
				result.Fail(domain.PhasePlanComputed, errors.New("boom"))
			}
			if tt.warnings {
				result.AddWarning("charon: failed to delete /data/snapshots/x: busy")
			}
			result.Complete()

			require.NoError(t, r.sendNotifications(context.Background(), result))

			if tt.want == "" {
				assert.Empty(t, notifier.Levels())
				return
			}
			assert.Equal(t, []domain.NotificationLevel{tt.want}, notifier.Levels())
		})
	}
}

func TestRunner_BuildSuccessMessage(t *testing.T) {
	r := NewRunner(testConfig(), WithSourceExecutor(btrfstest.NewHost("localhost")), WithBackupExecutor(btrfstest.NewHost("charon")))
	r.hostname = "test-host"

	result := domain.NewRunResult(false)
	result.Snapshot = &domain.Snapshot{Name: "2024-03-01T00:00:00Z_home"}
	result.Transfer = &domain.TransferResult{Plan: domain.FullPlan(result.Snapshot), Duration: 2 * time.Second}
	result.BackupRetention = domain.NewRetentionResult("charon", nil)
	result.BackupRetention.Deleted = []string{"/data/snapshots/a", "/data/snapshots/b"}
	result.Advance(domain.PhaseDone)
	result.Complete()

	msg := r.buildSuccessMessage(result)

	assert.Contains(t, msg, "test-host")
	assert.Contains(t, msg, "Snapshot: 2024-03-01T00:00:00Z_home")
	assert.Contains(t, msg, "Transfer: full in 2s")
	assert.Contains(t, msg, "Deleted: 2 snapshots")
}

func TestRunner_BuildErrorMessage(t *testing.T) {
	r := NewRunner(testConfig(), WithSourceExecutor(btrfstest.NewHost("localhost")), WithBackupExecutor(btrfstest.NewHost("charon")))
	r.hostname = "test-host"

	result := domain.NewRunResult(false)
	result.Fail(domain.PhaseTransferComplete, &domain.IntegrityError{Path: "/data/snapshots/x", Reason: "received snapshot is not read-only"})
	result.Complete()

	msg := r.buildErrorMessage(result)

	assert.Contains(t, msg, "test-host")
	assert.Contains(t, msg, "transfer_complete")
	assert.Contains(t, msg, "integrity")
	assert.Contains(t, msg, "received snapshot is not read-only")
}

func TestRunner_Preview(t *testing.T) {
	e := newEnv()
	r := e.runner(testConfig())
	ctx := context.Background()

	preview, err := r.Preview(ctx)
	require.NoError(t, err)
	assert.Nil(t, preview.Plan)
	assert.Zero(t, preview.Source.Len())

	_, err = r.Run(ctx)
	require.NoError(t, err)

	preview, err = r.Preview(ctx)
	require.NoError(t, err)
	assert.Nil(t, preview.Plan, "newest snapshot is already on the backup")

	e.clock = t0.Add(time.Hour)
	_, err = r.Source().Create(ctx, "/home", e.clock)
	require.NoError(t, err)

	preview, err = r.Preview(ctx)
	require.NoError(t, err)
	require.NotNil(t, preview.Plan)
	assert.True(t, preview.Plan.IsIncremental())
	assert.Len(t, preview.SourceRetention, 2)
	assert.Len(t, preview.BackupRetention, 1)
	assert.Len(t, mutations(e.dst.Calls()), 1, "only the receive of the run")
}

func TestNewRunner_DefaultExecutors(t *testing.T) {
	cfg := testConfig()

	r := NewRunner(cfg)
	assert.Equal(t, "localhost", r.Source().Commander().Host())
	assert.Equal(t, "charon", r.Backup().Commander().Host())

	cfg.Backup.SSHHost = ""
	r = NewRunner(cfg)
	assert.Equal(t, "localhost", r.Backup().Commander().Host())
}
