// Package transfer decides between full and incremental transfers and
// streams snapshots from the source host to the backup host.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hannes-hochreiner/backup-btrfs/internal/catalog"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
	"github.com/hannes-hochreiner/backup-btrfs/internal/executor"
)

// Plan picks the delta base for snap: the closest ancestor in the source
// lineage whose UUID is the origin of a snapshot on the backup host. Without
// such an ancestor the transfer is full.
func Plan(source, backup *domain.Lineage, snap *domain.Snapshot) domain.TransferPlan {
	if backup == nil || backup.Len() == 0 {
		return domain.FullPlan(snap)
	}

	onBackup := backup.Origins()
	for _, candidate := range source.Ancestors(snap) {
		if _, ok := onBackup[candidate.UUID]; ok {
			return domain.IncrementalPlan(snap, candidate)
		}
	}
	return domain.FullPlan(snap)
}

// Planner executes transfer plans between two catalogs.
type Planner struct {
	source *catalog.Catalog
	backup *catalog.Catalog
	logger *slog.Logger
	now    func() time.Time
}

// NewPlanner creates a Planner streaming from source to backup.
func NewPlanner(source, backup *catalog.Catalog, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		source: source,
		backup: backup,
		logger: logger,
		now:    time.Now,
	}
}

// Execute streams plan.Snapshot to the backup host and verifies the result.
// On any failure the partially received snapshot is removed before the
// error is returned.
func (p *Planner) Execute(ctx context.Context, plan domain.TransferPlan) (*domain.TransferResult, error) {
	snap := plan.Snapshot
	if snap == nil {
		return nil, errors.New("transfer plan has no snapshot")
	}

	result := &domain.TransferResult{Plan: plan, StartTime: p.now()}

	src := p.source.Commander()
	dst := p.backup.Commander()

	base := ""
	if plan.IsIncremental() {
		base = plan.Base.Path
	}

	// Never clean up over a snapshot this transfer did not create.
	exists, err := dst.Exists(ctx, p.backup.PathOf(snap.Name))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &domain.PreconditionError{
			Check:  "transfer " + snap.Name,
			Reason: fmt.Sprintf("%s already exists on %s", p.backup.PathOf(snap.Name), dst.Host()),
		}
	}

	p.logger.Info("starting transfer",
		"plan", plan.String(),
		"from", src.Host(),
		"to", dst.Host(),
		"target", p.backup.Root(),
	)

	_, err = executor.Pipe(ctx,
		executor.Stage{Exec: src.Executor(), Argv: src.SendArgv(snap.Path, base)},
		executor.Stage{Exec: dst.Executor(), Argv: dst.ReceiveArgv(p.backup.Root())},
	)
	if err != nil {
		p.cleanup(snap.Name)
		return nil, fmt.Errorf("stream %s: %w", snap.Name, err)
	}

	received, err := p.verify(ctx, snap)
	if err != nil {
		p.cleanup(snap.Name)
		return nil, err
	}

	result.Received = received
	result.Duration = p.now().Sub(result.StartTime)

	p.logger.Info("transfer complete",
		"snapshot", snap.Name,
		"mode", plan.Mode,
		"received_uuid", received.UUID,
		"duration", result.Duration,
	)

	return result, nil
}

// verify checks that the backup host holds a complete copy of snap.
func (p *Planner) verify(ctx context.Context, snap *domain.Snapshot) (*domain.Snapshot, error) {
	target := p.backup.PathOf(snap.Name)

	received, err := p.backup.Show(ctx, snap.Name)
	if err != nil {
		return nil, &domain.IntegrityError{Path: target, Reason: "metadata unreadable after receive", Err: err}
	}
	if !received.ReceivedUUID.Valid || received.ReceivedUUID.UUID != snap.UUID {
		return nil, &domain.IntegrityError{
			Path:   target,
			Reason: fmt.Sprintf("received uuid %s does not match source uuid %s", nullString(received.ReceivedUUID), snap.UUID),
		}
	}
	if !received.ReadOnly {
		return nil, &domain.IntegrityError{Path: target, Reason: "received snapshot is not read-only"}
	}
	return received, nil
}

// cleanup removes a partial artifact. It runs on a fresh context so that a
// canceled run still cleans up.
func (p *Planner) cleanup(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	target := p.backup.PathOf(name)
	if err := p.backup.Delete(ctx, target); err != nil {
		p.logger.Error("failed to remove partial snapshot", "host", p.backup.Commander().Host(), "path", target, "error", err)
		return
	}
	p.logger.Debug("partial snapshot removed", "path", target)
}

func nullString(id uuid.NullUUID) string {
	if !id.Valid {
		return "-"
	}
	return id.UUID.String()
}
