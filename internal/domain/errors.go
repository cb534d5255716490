package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures for reporting.
type ErrorKind string

const (
	KindUnknown      ErrorKind = "unknown"
	KindExecution    ErrorKind = "execution"
	KindParse        ErrorKind = "parse"
	KindCatalog      ErrorKind = "catalog"
	KindPolicy       ErrorKind = "policy_violation"
	KindIntegrity    ErrorKind = "integrity"
	KindPrecondition ErrorKind = "precondition"
	KindCanceled     ErrorKind = "canceled"
)

// ExecError is returned when an external command exits non-zero or cannot
// be started.
type ExecError struct {
	Host       string
	Command    []string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s: %q", e.Host, strings.Join(e.Command, " "))
	if e.ExitStatus >= 0 {
		msg += fmt.Sprintf(" exited with status %d", e.ExitStatus)
	} else if e.Err != nil {
		msg += fmt.Sprintf(" failed: %v", e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// ParseError is returned when tool output does not have the expected shape.
type ParseError struct {
	Field  string
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	input := e.Input
	if len(input) > 200 {
		input = input[:200] + "..."
	}
	return fmt.Sprintf("parse %s: %s (input %q)", e.Field, e.Reason, input)
}

// CatalogError is returned when a snapshot exists on disk but its metadata
// cannot be established.
type CatalogError struct {
	Path string
	Err  error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog inconsistency at %s: %v", e.Path, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// PolicyViolationError signals a broken internal invariant, such as an
// attempt to delete the newest snapshot.
type PolicyViolationError struct {
	Path   string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: refusing to delete %s: %s", e.Path, e.Reason)
}

// IntegrityError is returned when a received snapshot fails verification.
type IntegrityError struct {
	Path   string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer integrity: %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer integrity: %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// PreconditionError is returned when a device or mount check fails.
type PreconditionError struct {
	Check  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Check, e.Reason)
}

// PhaseError records the phase that was being attempted when a run failed.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// KindOf classifies err by the first typed error in its chain.
func KindOf(err error) ErrorKind {
	var (
		execErr   *ExecError
		parseErr  *ParseError
		catErr    *CatalogError
		policyErr *PolicyViolationError
		integErr  *IntegrityError
		preErr    *PreconditionError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &policyErr):
		return KindPolicy
	case errors.As(err, &integErr):
		return KindIntegrity
	case errors.As(err, &catErr):
		return KindCatalog
	case errors.As(err, &preErr):
		return KindPrecondition
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &execErr):
		return KindExecution
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}
