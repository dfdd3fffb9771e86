package domain

import (
	"fmt"
	"time"
)

// RepositoryError wraps an unexpected backend failure (connectivity,
// serialization). It is never retried by the repository layer.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// AlreadyInProgressError signals that creating an InProgress cycle would
// give the user a second active cycle.
type AlreadyInProgressError struct {
	UserID string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("user %s already has a cycle in progress", e.UserID)
}

// NotFoundError covers both a missing record and a record owned by another
// user. The two cases are deliberately indistinguishable so that existence
// never leaks to non-owners.
type NotFoundError struct {
	UserID  string
	CycleID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cycle %s not found for user %s", e.CycleID, e.UserID)
}

// InvalidStateError signals a status-guard violation, e.g. completing a
// cycle that is not InProgress.
type InvalidStateError struct {
	CurrentState  CycleStatus
	ExpectedState CycleStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cycle is %s, expected %s", e.CurrentState, e.ExpectedState)
}

// IDMismatchError signals that the caller referenced a cycle id that is not
// the user's current active cycle.
type IDMismatchError struct {
	RequestedID string
	ActiveID    string
}

func (e *IDMismatchError) Error() string {
	return fmt.Sprintf("cycle %s is not the active cycle (active: %s)", e.RequestedID, e.ActiveID)
}

// OverlapError signals that a new or updated date range would intersect an
// existing cycle for the same user.
type OverlapError struct {
	NewStartDate         time.Time
	LastCompletedEndDate time.Time
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("cycle starting %s overlaps a completed cycle ending %s",
		e.NewStartDate.Format(time.RFC3339), e.LastCompletedEndDate.Format(time.RFC3339))
}

// CacheError wraps a failure in the completion-date cache. It never crosses
// the cache boundary: callers downgrade it to a repository read.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache: %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}
