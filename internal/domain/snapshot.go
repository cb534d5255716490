package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a read-only point-in-time copy of a subvolume.
type Snapshot struct {
	// Path is the absolute path of the snapshot on its host.
	Path string `json:"path"`

	// Name is the last path element, "<timestamp>_<suffix>".
	Name string `json:"name"`

	UUID         uuid.UUID     `json:"uuid"`
	ParentUUID   uuid.NullUUID `json:"parent_uuid"`
	ReceivedUUID uuid.NullUUID `json:"received_uuid"`

	// CreatedAt is taken from the snapshot name. A received snapshot gets a
	// fresh creation time from the filesystem, the name does not change.
	CreatedAt time.Time `json:"created_at"`

	Suffix   string `json:"suffix"`
	ReadOnly bool   `json:"read_only"`
}

// OriginUUID returns the identity used to match snapshots across hosts: the
// received UUID for snapshots created by a receive, the UUID otherwise.
func (s *Snapshot) OriginUUID() uuid.UUID {
	if s.ReceivedUUID.Valid {
		return s.ReceivedUUID.UUID
	}
	return s.UUID
}

// String returns the snapshot name and UUID.
func (s *Snapshot) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.UUID)
}

// Lineage is the forest formed by the parent edges among the snapshots of
// one suffix on one host. It is rebuilt from tool output on every run.
type Lineage struct {
	suffix    string
	snapshots []*Snapshot
	byUUID    map[uuid.UUID]*Snapshot
}

// NewLineage links the given snapshots by UUID. Snapshots are ordered by
// creation time, oldest first. Duplicate UUIDs and parent cycles are rejected.
func NewLineage(suffix string, snapshots []*Snapshot) (*Lineage, error) {
	l := &Lineage{
		suffix:    suffix,
		snapshots: make([]*Snapshot, 0, len(snapshots)),
		byUUID:    make(map[uuid.UUID]*Snapshot, len(snapshots)),
	}

	for _, s := range snapshots {
		if s == nil {
			continue
		}
		if prev, ok := l.byUUID[s.UUID]; ok {
			return nil, &CatalogError{
				Path: s.Path,
				Err:  fmt.Errorf("uuid %s already used by %s", s.UUID, prev.Path),
			}
		}
		l.byUUID[s.UUID] = s
		l.snapshots = append(l.snapshots, s)
	}

	sort.SliceStable(l.snapshots, func(i, j int) bool {
		a, b := l.snapshots[i], l.snapshots[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Name < b.Name
	})

	for _, s := range l.snapshots {
		seen := map[uuid.UUID]bool{s.UUID: true}
		for p := l.Parent(s); p != nil; p = l.Parent(p) {
			if seen[p.UUID] {
				return nil, &CatalogError{Path: s.Path, Err: errors.New("parent chain contains a cycle")}
			}
			seen[p.UUID] = true
		}
	}

	return l, nil
}

// Suffix returns the label the lineage was built for.
func (l *Lineage) Suffix() string {
	return l.suffix
}

// Len returns the number of snapshots.
func (l *Lineage) Len() int {
	return len(l.snapshots)
}

// Snapshots returns the snapshots ordered oldest first.
func (l *Lineage) Snapshots() []*Snapshot {
	out := make([]*Snapshot, len(l.snapshots))
	copy(out, l.snapshots)
	return out
}

// Newest returns the most recent snapshot, or nil for an empty lineage.
func (l *Lineage) Newest() *Snapshot {
	if len(l.snapshots) == 0 {
		return nil
	}
	return l.snapshots[len(l.snapshots)-1]
}

// Get looks up a snapshot by UUID.
func (l *Lineage) Get(id uuid.UUID) (*Snapshot, bool) {
	s, ok := l.byUUID[id]
	return s, ok
}

// Parent returns the parent of s when the parent is part of the lineage.
func (l *Lineage) Parent(s *Snapshot) *Snapshot {
	if s == nil || !s.ParentUUID.Valid {
		return nil
	}
	return l.byUUID[s.ParentUUID.UUID]
}

// Origins returns the lineage's snapshots keyed by OriginUUID.
func (l *Lineage) Origins() map[uuid.UUID]*Snapshot {
	out := make(map[uuid.UUID]*Snapshot, len(l.snapshots))
	for _, s := range l.snapshots {
		out[s.OriginUUID()] = s
	}
	return out
}

// Ancestors returns the candidates that can serve as a delta base for s,
// closest first.
//
// The parent chain inside the lineage comes first. Snapshots taken from the
// same live subvolume all name that subvolume as their parent, so the chain
// is followed by the older snapshots that share the chain root's parent,
// most recent first.
func (l *Lineage) Ancestors(s *Snapshot) []*Snapshot {
	var out []*Snapshot
	seen := map[uuid.UUID]bool{s.UUID: true}

	root := s
	for p := l.Parent(s); p != nil && !seen[p.UUID]; p = l.Parent(p) {
		seen[p.UUID] = true
		out = append(out, p)
		root = p
	}

	if !root.ParentUUID.Valid {
		return out
	}

	for i := len(l.snapshots) - 1; i >= 0; i-- {
		c := l.snapshots[i]
		if seen[c.UUID] || !c.CreatedAt.Before(s.CreatedAt) {
			continue
		}
		if c.ParentUUID.Valid && c.ParentUUID.UUID == root.ParentUUID.UUID {
			seen[c.UUID] = true
			out = append(out, c)
		}
	}

	return out
}
