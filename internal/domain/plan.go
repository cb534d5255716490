package domain

import "fmt"

// TransferMode distinguishes full from incremental transfers.
type TransferMode string

const (
	TransferFull        TransferMode = "full"
	TransferIncremental TransferMode = "incremental"
)

// TransferPlan is the outcome of ancestor matching for one snapshot.
type TransferPlan struct {
	Mode TransferMode `json:"mode"`

	// Snapshot is the source snapshot to transfer.
	Snapshot *Snapshot `json:"snapshot"`

	// Base is the source-side delta base for incremental transfers. A
	// snapshot with the same origin is present on the backup host.
	Base *Snapshot `json:"base,omitempty"`
}

// FullPlan streams the whole snapshot.
func FullPlan(s *Snapshot) TransferPlan {
	return TransferPlan{Mode: TransferFull, Snapshot: s}
}

// IncrementalPlan streams the delta between base and s.
func IncrementalPlan(s, base *Snapshot) TransferPlan {
	return TransferPlan{Mode: TransferIncremental, Snapshot: s, Base: base}
}

// IsIncremental reports whether the plan has a delta base.
func (p TransferPlan) IsIncremental() bool {
	return p.Mode == TransferIncremental && p.Base != nil
}

// String describes the plan for logs and notifications.
func (p TransferPlan) String() string {
	if p.Snapshot == nil {
		return "no snapshot"
	}
	if p.IsIncremental() {
		return fmt.Sprintf("incremental %s from %s", p.Snapshot.Name, p.Base.Name)
	}
	return fmt.Sprintf("full %s", p.Snapshot.Name)
}
