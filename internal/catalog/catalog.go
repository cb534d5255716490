// Package catalog enumerates and creates snapshots on one host.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/hannes-hochreiner/backup-btrfs/internal/btrfs"
	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
)

// Catalog reads and creates the snapshots of one suffix on one host. It
// holds no state between calls; the filesystem is the source of truth.
type Catalog struct {
	cmd    *btrfs.Commander
	root   string
	suffix string
	logger *slog.Logger
}

// New creates a Catalog for the snapshots under root named with suffix.
func New(cmd *btrfs.Commander, root, suffix string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		cmd:    cmd,
		root:   path.Clean(root),
		suffix: suffix,
		logger: logger.With("host", cmd.Host(), "root", root),
	}
}

// Root returns the snapshot directory.
func (c *Catalog) Root() string {
	return c.root
}

// Suffix returns the snapshot label.
func (c *Catalog) Suffix() string {
	return c.suffix
}

// Commander returns the commander the catalog issues commands through.
func (c *Catalog) Commander() *btrfs.Commander {
	return c.cmd
}

// PathOf returns the path of the snapshot called name.
func (c *Catalog) PathOf(name string) string {
	return path.Join(c.root, name)
}

// List builds the lineage of all snapshots under the root that follow the
// naming convention. A matching entry whose metadata cannot be read is a
// catalog inconsistency.
func (c *Catalog) List(ctx context.Context) (*domain.Lineage, error) {
	entries, err := c.cmd.ListDir(ctx, c.root)
	if err != nil {
		return nil, fmt.Errorf("list %s on %s: %w", c.root, c.cmd.Host(), err)
	}

	var snapshots []*domain.Snapshot
	for _, name := range entries {
		if _, ok := btrfs.ParseSnapshotName(name, c.suffix); !ok {
			continue
		}
		s, err := c.Show(ctx, name)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}

	lineage, err := domain.NewLineage(c.suffix, snapshots)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("catalog listed", "snapshots", lineage.Len())
	return lineage, nil
}

// Show reads the metadata of the snapshot called name.
func (c *Catalog) Show(ctx context.Context, name string) (*domain.Snapshot, error) {
	p := c.PathOf(name)

	created, ok := btrfs.ParseSnapshotName(name, c.suffix)
	if !ok {
		return nil, &domain.CatalogError{Path: p, Err: errors.New("name does not follow the snapshot naming convention")}
	}

	info, err := c.cmd.Show(ctx, p)
	if err != nil {
		return nil, &domain.CatalogError{Path: p, Err: err}
	}

	return &domain.Snapshot{
		Path:         p,
		Name:         name,
		UUID:         info.UUID,
		ParentUUID:   info.ParentUUID,
		ReceivedUUID: info.ReceivedUUID,
		CreatedAt:    created,
		Suffix:       c.suffix,
		ReadOnly:     info.ReadOnly,
	}, nil
}

// Create takes a read-only snapshot of subvolume named after ts and confirms
// it by reading its metadata back.
func (c *Catalog) Create(ctx context.Context, subvolume string, ts time.Time) (*domain.Snapshot, error) {
	name := btrfs.SnapshotName(ts, c.suffix)
	p := c.PathOf(name)

	exists, err := c.cmd.Exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &domain.PreconditionError{
			Check:  "snapshot " + name,
			Reason: fmt.Sprintf("%s already exists on %s", p, c.cmd.Host()),
		}
	}

	c.logger.Info("creating snapshot", "subvolume", subvolume, "snapshot", p)

	if err := c.cmd.Snapshot(ctx, subvolume, p); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", subvolume, err)
	}

	s, err := c.Show(ctx, name)
	if err != nil {
		return nil, err
	}
	if !s.ReadOnly {
		return nil, &domain.CatalogError{Path: p, Err: errors.New("snapshot is not read-only")}
	}

	c.logger.Info("snapshot created", "snapshot", s.Name, "uuid", s.UUID)
	return s, nil
}

// Delete removes the snapshot at p. An absent snapshot is not an error.
func (c *Catalog) Delete(ctx context.Context, p string) error {
	return c.cmd.Delete(ctx, p)
}
