package schemas

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// -- Error Taxonomy --
// Failures that cross package boundaries are typed so the engine can decide
// session eviction and report classification with errors.As instead of string
// matching. Everything else wraps with fmt.Errorf("...: %w", err) as usual.

// ElementNotFoundError is returned when every resolution strategy for a
// target was exhausted. Strategies lists what was tried in order; DOMSummary
// is a bounded description of the visible page for diagnostics.
type ElementNotFoundError struct {
	Target     string
	Strategies []string
	DOMSummary string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found: %s (tried %s)", e.Target, strings.Join(e.Strategies, ", "))
}

// StaleSessionError indicates the browser session died or the application
// logged the operator out mid-run. The session must be evicted.
type StaleSessionError struct {
	UserID string
	Reason string
}

func (e *StaleSessionError) Error() string {
	return fmt.Sprintf("stale session for user %s: %s", e.UserID, e.Reason)
}

// AuthRejectedError indicates the target application refused a login
// sequence. It is terminal for the job; no retry will help until the
// operator's credentials change.
type AuthRejectedError struct {
	UserID string
	Reason string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("authentication rejected for user %s: %s", e.UserID, e.Reason)
}

// StepTimeoutError is a protocol step exceeding its own deadline, as opposed
// to the whole job exceeding its budget.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.Step, e.Timeout)
}

// LockTimeoutError means background work did not reach a checkpoint within
// the grace period and could not be terminated, so the write job never
// touched the browser.
type LockTimeoutError struct {
	Grace time.Duration
	Busy  int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("priority lock not acquired within %s grace (%d holder(s) still active)", e.Grace, e.Busy)
}

// ProtocolAbortedError wraps the causal failure of a protocol run. Step names
// the step that gave up. ExternalStateUncertain is true when the run had
// already committed a mutation, meaning the target application may hold a
// partial record.
type ProtocolAbortedError struct {
	Protocol               string
	Step                   string
	ExternalStateUncertain bool
	Err                    error
}

func (e *ProtocolAbortedError) Error() string {
	return fmt.Sprintf("protocol %s aborted at step %q: %v", e.Protocol, e.Step, e.Err)
}

func (e *ProtocolAbortedError) Unwrap() error { return e.Err }

// SessionFatal reports whether an error must evict the operator's session.
func SessionFatal(err error) bool {
	var stale *StaleSessionError
	var auth *AuthRejectedError
	var aborted *ProtocolAbortedError
	return errors.As(err, &stale) || errors.As(err, &auth) || errors.As(err, &aborted)
}
