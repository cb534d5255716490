package retention

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes-hochreiner/backup-btrfs/internal/btrfs"
	"github.com/hannes-hochreiner/backup-btrfs/internal/btrfs/btrfstest"
	"github.com/hannes-hochreiner/backup-btrfs/internal/catalog"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

var now = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

func snap(age time.Duration) *domain.Snapshot {
	created := now.Add(-age).Truncate(time.Second)
	name := btrfs.SnapshotName(created, "home")
	return &domain.Snapshot{
		Path:      "/snapshots/" + name,
		Name:      name,
		UUID:      uuid.New(),
		CreatedAt: created,
		Suffix:    "home",
		ReadOnly:  true,
	}
}

// hourly returns n snapshots taken every hour, the newest 30 minutes ago.
func hourly(n int) []*domain.Snapshot {
	out := make([]*domain.Snapshot, n)
	for i := range out {
		out[i] = snap(time.Duration(i)*time.Hour + 30*time.Minute)
	}
	return out
}

func lineageOf(t *testing.T, snaps []*domain.Snapshot) *domain.Lineage {
	t.Helper()
	l, err := domain.NewLineage("home", snaps)
	require.NoError(t, err)
	return l
}

func kept(decisions []domain.RetentionDecision) int {
	n := 0
	for _, d := range decisions {
		if d.Keep {
			n++
		}
	}
	return n
}

func TestEvaluate_HourlyTier(t *testing.T) {
	snaps := hourly(30)
	decisions := Evaluate(lineageOf(t, snaps), domain.RetentionPolicy{{Value: 24, Unit: domain.UnitHours}}, now)

	require.Len(t, decisions, 30)
	assert.Equal(t, 24, kept(decisions))

	// Oldest first: the six oldest fall outside the window.
	for i, d := range decisions {
		assert.Equal(t, i >= 6, d.Keep, "decision %d (%s)", i, d.Snapshot.Name)
	}
}

func TestEvaluate_HugeTierKeepsEverything(t *testing.T) {
	snaps := hourly(10)
	policy := domain.RetentionPolicy{{Value: math.MaxInt32, Unit: domain.UnitHours}}

	decisions := Evaluate(lineageOf(t, snaps), policy, now)

	assert.Equal(t, 10, kept(decisions))
}

func TestEvaluate_EmptyPolicyKeepsNewest(t *testing.T) {
	snaps := hourly(5)
	decisions := Evaluate(lineageOf(t, snaps), nil, now)

	require.Len(t, decisions, 5)
	assert.Equal(t, 1, kept(decisions))
	last := decisions[len(decisions)-1]
	assert.True(t, last.Keep)
	assert.Equal(t, snaps[0].UUID, last.Snapshot.UUID)
	assert.Equal(t, []string{"newest snapshot"}, last.Reasons)
}

func TestEvaluate_EmptyLineage(t *testing.T) {
	decisions := Evaluate(lineageOf(t, nil), domain.RetentionPolicy{{Value: 1, Unit: domain.UnitDays}}, now)
	assert.Empty(t, decisions)
}

func TestEvaluate_NewestKeptBeyondReach(t *testing.T) {
	old := []*domain.Snapshot{snap(72 * time.Hour), snap(48 * time.Hour)}
	decisions := Evaluate(lineageOf(t, old), domain.RetentionPolicy{{Value: 2, Unit: domain.UnitHours}}, now)

	require.Len(t, decisions, 2)
	assert.False(t, decisions[0].Keep)
	assert.True(t, decisions[1].Keep)
}

func TestEvaluate_OnePerBucket(t *testing.T) {
	// Three snapshots within the first hour, one in the second.
	snaps := []*domain.Snapshot{
		snap(10 * time.Minute),
		snap(20 * time.Minute),
		snap(50 * time.Minute),
		snap(70 * time.Minute),
	}
	decisions := Evaluate(lineageOf(t, snaps), domain.RetentionPolicy{{Value: 2, Unit: domain.UnitHours}}, now)

	require.Len(t, decisions, 4)
	assert.True(t, decisions[0].Keep, "bucket 1")
	assert.False(t, decisions[1].Keep)
	assert.False(t, decisions[2].Keep)
	assert.True(t, decisions[3].Keep, "newest in bucket 0")
}

func TestEvaluate_TiersUnion(t *testing.T) {
	var snaps []*domain.Snapshot
	for h := 0; h < 24*10; h += 6 {
		snaps = append(snaps, snap(time.Duration(h)*time.Hour+time.Minute))
	}
	policy := domain.RetentionPolicy{
		{Value: 12, Unit: domain.UnitHours},
		{Value: 7, Unit: domain.UnitDays},
	}
	decisions := Evaluate(lineageOf(t, snaps), policy, now)

	// Hours tier keeps the two snapshots younger than 12h, days tier keeps
	// one per day for days 0..6. The newest is in both.
	var keptAges []time.Duration
	for _, d := range decisions {
		if d.Keep {
			keptAges = append(keptAges, now.Sub(d.Snapshot.CreatedAt))
		}
	}
	assert.Len(t, keptAges, 8)
	for _, age := range keptAges {
		assert.LessOrEqual(t, age, 7*24*time.Hour)
	}
}

func TestEvaluate_FutureSnapshotsInFirstBucket(t *testing.T) {
	snaps := []*domain.Snapshot{snap(-time.Hour), snap(-2 * time.Hour)}
	decisions := Evaluate(lineageOf(t, snaps), domain.RetentionPolicy{{Value: 1, Unit: domain.UnitHours}}, now)

	require.Len(t, decisions, 2)
	assert.False(t, decisions[0].Keep)
	assert.True(t, decisions[1].Keep)
}

func TestDoomed(t *testing.T) {
	snaps := hourly(4)
	decisions := Evaluate(lineageOf(t, snaps), nil, now)

	doomed := Doomed(decisions)
	require.Len(t, doomed, 3)
	assert.Equal(t, snaps[3].UUID, doomed[0].UUID, "oldest first")
	assert.Equal(t, snaps[1].UUID, doomed[2].UUID)
}

// seed puts the given snapshot ages on a fake host and returns its catalog.
func seed(t *testing.T, ages ...time.Duration) (*btrfstest.Host, *catalog.Catalog) {
	t.Helper()
	host := btrfstest.NewHost("charon")
	host.AddDir("/data/snapshots")
	for _, age := range ages {
		name := btrfs.SnapshotName(now.Add(-age), "home")
		host.Put(&btrfstest.Subvolume{
			Path:     "/data/snapshots/" + name,
			UUID:     uuid.New(),
			ReadOnly: true,
			Created:  now,
		})
	}
	return host, catalog.New(btrfs.NewCommander(host, btrfs.WithSudo(true)), "/data/snapshots", "home", nil)
}

func TestEngine_Apply(t *testing.T) {
	host, cat := seed(t, time.Minute, 2*time.Hour, 3*time.Hour, 30*time.Hour)
	ctx := context.Background()

	lineage, err := cat.List(ctx)
	require.NoError(t, err)

	result, err := NewEngine(cat, nil).Apply(ctx, lineage, domain.RetentionPolicy{{Value: 2, Unit: domain.UnitHours}}, now, false)
	require.NoError(t, err)

	assert.Equal(t, "charon", result.Host)
	assert.Equal(t, 2, result.Kept())
	require.Len(t, result.Deleted, 2)
	assert.Contains(t, result.Deleted[0], btrfs.SnapshotName(now.Add(-30*time.Hour), "home"))
	assert.Contains(t, result.Deleted[1], btrfs.SnapshotName(now.Add(-3*time.Hour), "home"))
	assert.Empty(t, result.Failed)
	assert.Len(t, host.Names("/data/snapshots"), 2)
}

func TestEngine_Apply_DeletionFailureContinues(t *testing.T) {
	host, cat := seed(t, time.Minute, 10*time.Hour, 20*time.Hour, 30*time.Hour)
	ctx := context.Background()
	host.FailCommand("btrfs subvolume delete", 1)

	lineage, err := cat.List(ctx)
	require.NoError(t, err)

	result, err := NewEngine(cat, nil).Apply(ctx, lineage, nil, now, false)
	require.NoError(t, err)

	assert.Len(t, result.Failed, 1)
	assert.Len(t, result.Deleted, 2)
	assert.Len(t, host.Names("/data/snapshots"), 2)
}

func TestEngine_Apply_DryRun(t *testing.T) {
	host, cat := seed(t, time.Minute, 10*time.Hour, 20*time.Hour)
	ctx := context.Background()

	lineage, err := cat.List(ctx)
	require.NoError(t, err)

	result, err := NewEngine(cat, nil).Apply(ctx, lineage, nil, now, true)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Empty(t, result.Deleted)
	assert.Equal(t, 1, result.Kept())
	assert.Len(t, host.Names("/data/snapshots"), 3)
	for _, call := range host.Calls() {
		assert.NotContains(t, call, "subvolume delete")
	}
}

func TestEngine_Apply_Guard(t *testing.T) {
	_, cat := seed(t)

	tests := []struct {
		name string
		path string
	}{
		{name: "protected root", path: "/"},
		{name: "protected home", path: "/home"},
		{name: "outside snapshot directory", path: "/elsewhere/" + btrfs.SnapshotName(now.Add(-48*time.Hour), "home")},
		{name: "nested below snapshot directory", path: "/data/snapshots/x/" + btrfs.SnapshotName(now.Add(-48*time.Hour), "home")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := snap(48 * time.Hour)
			bad.Path = tt.path
			newest := snap(time.Minute)
			newest.Path = "/data/snapshots/" + newest.Name

			_, err := NewEngine(cat, nil).Apply(context.Background(), lineageOf(t, []*domain.Snapshot{bad, newest}), nil, now, false)

			var violation *domain.PolicyViolationError
			require.True(t, errors.As(err, &violation))
			assert.Equal(t, tt.path, violation.Path)
			assert.Equal(t, domain.KindPolicy, domain.KindOf(err))
		})
	}
}
