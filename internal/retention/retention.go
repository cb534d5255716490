// Package retention decides which snapshots survive on a host and deletes
// the rest.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/hannes-hochreiner/backup-btrfs/internal/catalog"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// protectedPaths are never deleted, whatever the policy says.
var protectedPaths = map[string]bool{
	"/":     true,
	"home":  true,
	"/home": true,
	"root":  true,
	"/root": true,
}

// Evaluate applies policy to the lineage and returns one decision per
// snapshot, oldest first.
//
// Buckets are anchored at now: for a tier of Value×Unit a snapshot of age a
// (a ≤ Value×Unit) falls into bucket floor(a/Unit), and the newest snapshot
// of each bucket is kept. A snapshot is kept if any tier keeps it. The
// newest snapshot of the lineage is always kept.
func Evaluate(lineage *domain.Lineage, policy domain.RetentionPolicy, now time.Time) []domain.RetentionDecision {
	snaps := lineage.Snapshots()
	reasons := make(map[uuid.UUID][]string, len(snaps))

	if newest := lineage.Newest(); newest != nil {
		reasons[newest.UUID] = append(reasons[newest.UUID], "newest snapshot")
	}

	for _, tier := range policy {
		width := tier.Width()
		if width <= 0 || tier.Value < 1 {
			continue
		}
		reach := tier.Reach()
		seen := make(map[int64]bool)

		for i := len(snaps) - 1; i >= 0; i-- {
			s := snaps[i]
			age := now.Sub(s.CreatedAt)
			if age < 0 {
				age = 0
			}
			if age > reach {
				break
			}
			bucket := int64(age / width)
			if seen[bucket] {
				continue
			}
			seen[bucket] = true
			reasons[s.UUID] = append(reasons[s.UUID], fmt.Sprintf("%s: bucket %d", tier, bucket))
		}
	}

	decisions := make([]domain.RetentionDecision, len(snaps))
	for i, s := range snaps {
		r := reasons[s.UUID]
		decisions[i] = domain.RetentionDecision{
			Snapshot: s,
			Keep:     len(r) > 0,
			Reasons:  r,
		}
	}
	return decisions
}

// Doomed returns the snapshots to delete, oldest first.
func Doomed(decisions []domain.RetentionDecision) []*domain.Snapshot {
	var out []*domain.Snapshot
	for _, d := range decisions {
		if !d.Keep {
			out = append(out, d.Snapshot)
		}
	}
	return out
}

// Engine applies retention decisions on one host.
type Engine struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewEngine creates an Engine deleting through cat.
func NewEngine(cat *catalog.Catalog, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		catalog: cat,
		logger:  logger.With("host", cat.Commander().Host()),
	}
}

// Apply evaluates policy and deletes the snapshots it does not keep, oldest
// first. A failed deletion is recorded in the result and the remaining
// deletions go ahead. A deletion target that must never be deleted is a
// policy violation; it is returned before anything is deleted.
func (e *Engine) Apply(ctx context.Context, lineage *domain.Lineage, policy domain.RetentionPolicy, now time.Time, dryRun bool) (*domain.RetentionResult, error) {
	result := domain.NewRetentionResult(e.catalog.Commander().Host(), policy)
	result.DryRun = dryRun
	result.Decisions = Evaluate(lineage, policy, now)

	doomed := Doomed(result.Decisions)
	for _, s := range doomed {
		if err := e.guard(lineage, s); err != nil {
			return result, err
		}
	}

	e.logger.Info("applying retention",
		"policy", policy.String(),
		"snapshots", lineage.Len(),
		"delete", len(doomed),
		"dry_run", dryRun,
	)

	for _, s := range doomed {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if dryRun {
			e.logger.Info("dry run: would delete snapshot", "snapshot", s.Name)
			continue
		}
		if err := e.catalog.Delete(ctx, s.Path); err != nil {
			e.logger.Warn("failed to delete snapshot", "snapshot", s.Name, "error", err)
			result.Failed[s.Path] = err.Error()
			continue
		}
		e.logger.Info("snapshot deleted", "snapshot", s.Name)
		result.Deleted = append(result.Deleted, s.Path)
	}

	return result, nil
}

// guard rejects deletion targets that indicate a logic defect.
func (e *Engine) guard(lineage *domain.Lineage, s *domain.Snapshot) error {
	if newest := lineage.Newest(); newest != nil && newest.UUID == s.UUID {
		return &domain.PolicyViolationError{Path: s.Path, Reason: "snapshot is the newest in its lineage"}
	}

	clean := path.Clean(s.Path)
	if protectedPaths[s.Path] || protectedPaths[clean] {
		return &domain.PolicyViolationError{Path: s.Path, Reason: "path is protected"}
	}
	if path.Dir(clean) != e.catalog.Root() {
		return &domain.PolicyViolationError{Path: s.Path, Reason: "path is outside the snapshot directory " + e.catalog.Root()}
	}
	return nil
}
