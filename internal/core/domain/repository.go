package domain

import (
	"context"
	"time"
)

// CycleRepository is the storage contract shared by the postgres, badger and
// redis backends. Implementations are interchangeable: callers must observe
// the same behavior from each, modulo latency and failure-mode nuance.
//
// Invariants every implementation maintains atomically:
//   - a user has at most one InProgress cycle at any time
//   - completing a cycle is only valid from InProgress; re-completing an
//     already-Completed cycle is idempotent and returns the stored record
type CycleRepository interface {
	// GetCycleByID retrieves a cycle by id, scoped to its owner. A cycle
	// owned by a different user is reported as *NotFoundError, never
	// returned.
	GetCycleByID(ctx context.Context, userID, cycleID string) (*Cycle, error)

	// GetActiveCycle returns the user's InProgress cycle, or (nil, nil)
	// when the user has none.
	GetActiveCycle(ctx context.Context, userID string) (*Cycle, error)

	// GetLastCompletedCycle returns the Completed cycle with the maximum
	// end date, or (nil, nil) when the user has none.
	GetLastCompletedCycle(ctx context.Context, userID string) (*Cycle, error)

	// CreateCycle persists a new cycle. Creating an InProgress cycle for a
	// user who already has one fails with *AlreadyInProgressError.
	CreateCycle(ctx context.Context, cycle *Cycle) error

	// UpdateCycleDates replaces the date range of the user's InProgress
	// cycle. Fails with *NotFoundError if the cycle does not exist or is
	// not owned by userID, and *InvalidStateError if it is not InProgress.
	UpdateCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*Cycle, error)

	// CompleteCycle promotes an InProgress cycle to Completed with the
	// final date range. Completing an already-Completed cycle returns the
	// stored record unchanged.
	CompleteCycle(ctx context.Context, userID, cycleID string, start, end time.Time) (*Cycle, error)

	// UpdateCompletedCycleDates corrects the date range of a Completed
	// cycle. Fails with *InvalidStateError if the cycle is InProgress.
	UpdateCompletedCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*Cycle, error)

	// DeleteCycle permanently removes a Completed cycle. Deleting an
	// InProgress cycle fails with *InvalidStateError.
	DeleteCycle(ctx context.Context, userID, cycleID string) error
}
