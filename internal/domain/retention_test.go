package domain

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeUnit(t *testing.T) {
	tests := []struct {
		input   string
		want    TimeUnit
		wantErr bool
	}{
		{"minutes", UnitMinutes, false},
		{"Hours", UnitHours, false},
		{"day", UnitDays, false},
		{" weeks ", UnitWeeks, false},
		{"months", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimeUnit(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetentionTier(t *testing.T) {
	tier := RetentionTier{Value: 24, Unit: UnitHours}
	assert.Equal(t, time.Hour, tier.Width())
	assert.Equal(t, 24*time.Hour, tier.Reach())
	assert.Equal(t, "24 hours", tier.String())
	assert.NoError(t, tier.Validate())

	assert.Error(t, RetentionTier{Value: 0, Unit: UnitHours}.Validate())
	assert.Error(t, RetentionTier{Value: 1, Unit: "fortnights"}.Validate())
}

func TestRetentionTier_LargeValues(t *testing.T) {
	ok := RetentionTier{Value: 15000, Unit: UnitWeeks}
	assert.NoError(t, ok.Validate())
	assert.Equal(t, 15000*7*24*time.Hour, ok.Reach())

	huge := RetentionTier{Value: 20000, Unit: UnitWeeks}
	err := huge.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most")
	assert.Equal(t, time.Duration(math.MaxInt64), huge.Reach())
	assert.Error(t, RetentionPolicy{huge}.Validate())
}

func TestRetentionPolicy(t *testing.T) {
	p := RetentionPolicy{
		{Value: 24, Unit: UnitHours},
		{Value: 8, Unit: UnitWeeks},
		{Value: 7, Unit: UnitDays},
	}
	assert.Equal(t, 8*7*24*time.Hour, p.MaxReach())
	assert.Equal(t, "24 hours, 8 weeks, 7 days", p.String())
	assert.NoError(t, p.Validate())

	assert.Equal(t, time.Duration(0), RetentionPolicy{}.MaxReach())

	bad := RetentionPolicy{{Value: 1, Unit: UnitDays}, {Value: -1, Unit: UnitDays}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tier 1")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"exec", &ExecError{Host: "localhost", ExitStatus: 1}, KindExecution},
		{"parse", &ParseError{Field: "UUID"}, KindParse},
		{"catalog wrapping parse", &CatalogError{Path: "/s", Err: &ParseError{Field: "UUID"}}, KindCatalog},
		{"integrity wrapping exec", &IntegrityError{Path: "/s", Err: &ExecError{ExitStatus: 1}}, KindIntegrity},
		{"policy", &PolicyViolationError{Path: "/"}, KindPolicy},
		{"precondition", &PreconditionError{Check: "mount"}, KindPrecondition},
		{"phase wrapped", &PhaseError{Phase: PhaseTransferComplete, Err: &ExecError{ExitStatus: 2}}, KindExecution},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), KindCanceled},
		{"plain", fmt.Errorf("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestExecError_Message(t *testing.T) {
	err := &ExecError{
		Host:       "charon",
		Command:    []string{"btrfs", "receive", "/data"},
		ExitStatus: 1,
		Stderr:     "ERROR: empty stream",
	}
	assert.Equal(t, `charon: "btrfs receive /data" exited with status 1: ERROR: empty stream`, err.Error())
}

func TestRunResult_Phases(t *testing.T) {
	r := NewRunResult(false)
	assert.Equal(t, PhaseStart, r.Phase)
	assert.Equal(t, PhaseContextsReady, PhaseStart.Next())
	assert.Equal(t, PhaseDone, PhaseDone.Next())

	r.Advance(PhaseContextsReady)
	r.Fail(PhaseSourceSnapshotCreated, &ExecError{ExitStatus: 1})
	r.Complete()

	assert.False(t, r.Success)
	assert.Equal(t, PhaseFailed, r.Phase)
	assert.Equal(t, PhaseSourceSnapshotCreated, r.FailedPhase)
	assert.Equal(t, KindExecution, r.ErrorKind)
	assert.Len(t, r.Errors, 1)
}
