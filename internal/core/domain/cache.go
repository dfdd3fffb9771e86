package domain

import (
	"context"
	"time"
)

// CompletionDateCache is a best-effort accelerator in front of
// CycleRepository.GetLastCompletedCycle. It never writes back to the
// repository; on any cache failure callers fall back to the authoritative
// store. A nil *time.Time means "user has no completed cycles" and is a
// valid cached value, not a miss.
type CompletionDateCache interface {
	// GetLastCompletionDate returns the user's most recent completion
	// instant, loading it from the repository on a miss.
	GetLastCompletionDate(ctx context.Context, userID string) (*time.Time, error)

	// SetLastCompletionDate records a new completion instant and returns
	// the value now held for the user.
	SetLastCompletionDate(ctx context.Context, userID string, completedAt time.Time) (time.Time, error)

	// Invalidate evicts the user's entry without repopulating it.
	Invalidate(ctx context.Context, userID string) error

	// InvalidateAll evicts every entry.
	InvalidateAll(ctx context.Context) error
}

// CompletionDateSubscriber is implemented by caches that can push updates,
// used to drive live overlap-validation clients.
type CompletionDateSubscriber interface {
	// SubscribeToChanges emits the current value immediately, then every
	// subsequent update, until ctx is cancelled or the user's cell is
	// invalidated. The returned channel is closed on teardown.
	SubscribeToChanges(ctx context.Context, userID string) (<-chan *time.Time, error)
}
