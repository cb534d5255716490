// Package domain defines core business types and interfaces.
package domain

import "time"

// Phase is a state of the backup run state machine.
type Phase string

const (
	PhaseStart                 Phase = "start"
	PhaseContextsReady         Phase = "contexts_ready"
	PhaseSourceSnapshotCreated Phase = "source_snapshot_created"
	PhasePlanComputed          Phase = "plan_computed"
	PhaseTransferComplete      Phase = "transfer_complete"
	PhaseRetentionApplied      Phase = "retention_applied"
	PhaseDone                  Phase = "done"
	PhaseFailed                Phase = "failed"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Phases lists the successful phases in order.
var Phases = []Phase{
	PhaseStart,
	PhaseContextsReady,
	PhaseSourceSnapshotCreated,
	PhasePlanComputed,
	PhaseTransferComplete,
	PhaseRetentionApplied,
	PhaseDone,
}

// Next returns the phase that follows p, or p itself for terminal phases.
func (p Phase) Next() Phase {
	for i, candidate := range Phases {
		if candidate == p && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return p
}

// RetentionDecision is the verdict for one snapshot.
type RetentionDecision struct {
	Snapshot *Snapshot `json:"snapshot"`
	Keep     bool      `json:"keep"`
	Reasons  []string  `json:"reasons,omitempty"`
}

// RetentionResult contains the outcome of pruning one host.
type RetentionResult struct {
	Host      string              `json:"host"`
	Policy    RetentionPolicy     `json:"policy"`
	Decisions []RetentionDecision `json:"decisions"`
	Deleted   []string            `json:"deleted"`
	Failed    map[string]string   `json:"failed,omitempty"`
	DryRun    bool                `json:"dry_run"`
}

// NewRetentionResult creates an empty result for host.
func NewRetentionResult(host string, policy RetentionPolicy) *RetentionResult {
	return &RetentionResult{
		Host:    host,
		Policy:  policy,
		Deleted: make([]string, 0),
		Failed:  make(map[string]string),
	}
}

// Kept returns the number of snapshots kept.
func (r *RetentionResult) Kept() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Keep {
			n++
		}
	}
	return n
}

// TransferResult contains the outcome of the send/receive stream.
type TransferResult struct {
	Plan      TransferPlan  `json:"plan"`
	Received  *Snapshot     `json:"received,omitempty"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
}

// RunResult contains the results of a complete backup run.
type RunResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	DryRun    bool          `json:"dry_run"`

	// Phase is the last phase reached, PhaseDone or PhaseFailed.
	Phase Phase `json:"phase"`

	// FailedPhase is the phase that was being attempted when the run failed.
	FailedPhase Phase     `json:"failed_phase,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`

	Snapshot        *Snapshot        `json:"snapshot,omitempty"`
	Transfer        *TransferResult  `json:"transfer,omitempty"`
	SourceRetention *RetentionResult `json:"source_retention,omitempty"`
	BackupRetention *RetentionResult `json:"backup_retention,omitempty"`

	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewRunResult creates a new RunResult.
func NewRunResult(dryRun bool) *RunResult {
	return &RunResult{
		StartTime: time.Now(),
		DryRun:    dryRun,
		Phase:     PhaseStart,
		Errors:    make([]string, 0),
		Warnings:  make([]string, 0),
	}
}

// Advance moves the run to phase p.
func (r *RunResult) Advance(p Phase) {
	r.Phase = p
}

// Fail moves the run to PhaseFailed, recording the phase being attempted.
func (r *RunResult) Fail(attempted Phase, err error) {
	r.FailedPhase = attempted
	r.Phase = PhaseFailed
	r.ErrorKind = KindOf(err)
	r.AddError(err)
}

// Complete marks the run as complete.
func (r *RunResult) Complete() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	r.Success = r.Phase == PhaseDone
}

// AddError adds an error to the run result.
func (r *RunResult) AddError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// AddWarning records a non-fatal problem, e.g. a failed deletion.
func (r *RunResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// DeletedCount returns the number of snapshots deleted on both hosts.
func (r *RunResult) DeletedCount() int {
	n := 0
	if r.SourceRetention != nil {
		n += len(r.SourceRetention.Deleted)
	}
	if r.BackupRetention != nil {
		n += len(r.BackupRetention.Deleted)
	}
	return n
}
