package errors

import (
	"errors"
	"fmt"
)

// Kind-level sentinels for the Cognitive Orchestration Core (spec §7).
// These extend the interactive/background sentinels in errors.go with the
// full error-kind taxonomy the core's components need to report across
// package boundaries via errors.Is.
var (
	ErrAlreadyExists     = errors.New("already exists")
	ErrPathInvalid       = errors.New("path invalid")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrAccessDenied      = errors.New("access denied")
	ErrMergeConflict     = errors.New("merge conflict")
	ErrReadOnly          = errors.New("read only")
	ErrBackend           = errors.New("backend error")
	ErrTimeout           = errors.New("timeout")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrCancelled         = errors.New("cancelled")
	ErrUnsupported       = errors.New("unsupported")
	ErrCorrupted         = errors.New("corrupted")
	ErrQueueFull         = errors.New("queue full")
	ErrPermanent         = errors.New("permanent error")
)

// DimensionMismatchError carries the expected/actual vector dimensions so
// callers (VI, RE) can report them without parsing the error string.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

func NewDimensionMismatch(expected, got int) error {
	return &DimensionMismatchError{Expected: expected, Got: got}
}

// MergeConflictError carries the conflicting VirtualPath strings (spec §4.B).
type MergeConflictError struct {
	Paths []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %d path(s): %v", len(e.Paths), e.Paths)
}

func (e *MergeConflictError) Unwrap() error { return ErrMergeConflict }

func NewMergeConflict(paths []string) error {
	return &MergeConflictError{Paths: paths}
}

// AccessDeniedError carries the resource id that denied access, for callers
// that need structure rather than a formatted message.
type AccessDeniedError struct {
	AgentID    string
	Resource   string
	ResourceID string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: agent %q may not access %s %q", e.AgentID, e.Resource, e.ResourceID)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

func NewAccessDenied(agentID, resource, resourceID string) error {
	return &AccessDeniedError{AgentID: agentID, Resource: resource, ResourceID: resourceID}
}

func AlreadyExists(message string) error {
	return fmt.Errorf("%s: %w", message, ErrAlreadyExists)
}

func PathInvalid(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPathInvalid)
}

func ReadOnly(message string) error {
	return fmt.Errorf("%s: %w", message, ErrReadOnly)
}

func Backend(message string) error {
	return fmt.Errorf("%s: %w", message, ErrBackend)
}

func Timeout(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTimeout)
}

func DeadlineExceeded(message string) error {
	return fmt.Errorf("%s: %w", message, ErrDeadlineExceeded)
}

func Cancelled(message string) error {
	return fmt.Errorf("%s: %w", message, ErrCancelled)
}

func Unsupported(message string) error {
	return fmt.Errorf("%s: %w", message, ErrUnsupported)
}

func Corrupted(message string) error {
	return fmt.Errorf("%s: %w", message, ErrCorrupted)
}

func QueueFull(message string) error {
	return fmt.Errorf("%s: %w", message, ErrQueueFull)
}

func Permanent(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPermanent)
}

// IsTransientBackend reports whether err is a retryable backend fault:
// transient/backend/timeout errors are, Permanent and structural errors
// (AccessDenied, MergeConflict, DimensionMismatch) are not. No caller in
// this module uses it; vector.Collection.InsertBatch retries every write
// error without classifying it.
func IsTransientBackend(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrMergeConflict) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrBackend) || errors.Is(err, ErrTimeout)
}
