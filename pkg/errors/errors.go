package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// Identity errors
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidHours    = errors.New("hours must be positive")
	ErrInvalidExpiry   = errors.New("invalid expiry value")

	// Session errors
	ErrNoOpenSession = errors.New("no open session")

	// Schedule errors
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrNothingToCancel  = errors.New("nothing to cancel")
	ErrSchedulerStopped = errors.New("scheduler is not running")
	ErrAlreadyRunning   = errors.New("already running")

	// Snapshot source errors
	ErrStatusFileNotFound = errors.New("status file not found")

	// Credential tool errors
	ErrToolNotFound          = errors.New("credential tool not found")
	ErrCredentialExists      = errors.New("credential already exists")
	ErrCredentialNotFound    = errors.New("credential not found")
	ErrManagementUnavailable = errors.New("management interface unavailable")
)

// SourceError is a transient failure reading the connection snapshot.
// The tick that hit it mutates nothing and is retried next period.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("snapshot source '%s': %v", e.Path, e.Err)
	}
	return fmt.Sprintf("snapshot source: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// PersistenceError represents a failed store write for one identity.
type PersistenceError struct {
	Op       string
	Identity string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("%s '%s': %v", e.Op, e.Identity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ToolError represents a non-zero result from the credential tooling.
// Message carries the tool's own output so callers can surface it.
type ToolError struct {
	Op       string
	Identity string
	Message  string
	Err      error
}

func (e *ToolError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s '%s': %s: %v", e.Op, e.Identity, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s '%s': %s", e.Op, e.Identity, e.Message)
	default:
		return fmt.Sprintf("%s '%s': %v", e.Op, e.Identity, e.Err)
	}
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried on the next period
// rather than surfaced as a terminal failure.
func IsTransient(err error) bool {
	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return true
	}
	var persistErr *PersistenceError
	return errors.As(err, &persistErr)
}
