package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zenfast/cycle-engine/internal/core/domain"
)

func setupBadger(t *testing.T) *BadgerCycleRepository {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err, "Failed to open in-memory badger")

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return NewBadgerCycleRepository(db)
}

func mustCycle(t *testing.T, userID string, status domain.CycleStatus, start, end time.Time) *domain.Cycle {
	t.Helper()
	c, err := domain.NewCycle(userID, status, start, end)
	require.NoError(t, err)
	return c
}

func TestBadgerCycleRepository_Lifecycle(t *testing.T) {
	repo := setupBadger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cycle := mustCycle(t, "user-1", domain.StatusInProgress, now.Add(-16*time.Hour), now.Add(2*time.Hour))

	t.Run("Create InProgress", func(t *testing.T) {
		require.NoError(t, repo.CreateCycle(ctx, cycle))

		fetched, err := repo.GetCycleByID(ctx, "user-1", cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, cycle.ID, fetched.ID)
		assert.Equal(t, domain.StatusInProgress, fetched.Status)
	})

	t.Run("Active Index Resolves", func(t *testing.T) {
		active, err := repo.GetActiveCycle(ctx, "user-1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, cycle.ID, active.ID)
	})

	t.Run("Second InProgress Create Rejected", func(t *testing.T) {
		dup := mustCycle(t, "user-1", domain.StatusInProgress, now, now.Add(time.Hour))

		err := repo.CreateCycle(ctx, dup)
		var target *domain.AlreadyInProgressError
		require.ErrorAs(t, err, &target)
		assert.Equal(t, "user-1", target.UserID)
	})

	t.Run("Other Users Unaffected", func(t *testing.T) {
		other := mustCycle(t, "user-2", domain.StatusInProgress, now, now.Add(time.Hour))
		assert.NoError(t, repo.CreateCycle(ctx, other))
	})

	t.Run("Update Dates While InProgress", func(t *testing.T) {
		updated, err := repo.UpdateCycleDates(ctx, "user-1", cycle.ID, now.Add(-18*time.Hour), now.Add(4*time.Hour))
		require.NoError(t, err)
		assert.True(t, updated.StartDate.Equal(now.Add(-18*time.Hour)))
	})

	t.Run("Complete Moves Indexes", func(t *testing.T) {
		completed, err := repo.CompleteCycle(ctx, "user-1", cycle.ID, now.Add(-18*time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, completed.Status)

		active, err := repo.GetActiveCycle(ctx, "user-1")
		require.NoError(t, err)
		assert.Nil(t, active, "active index entry must be gone")

		last, err := repo.GetLastCompletedCycle(ctx, "user-1")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, cycle.ID, last.ID)
	})

	t.Run("Complete Is Idempotent", func(t *testing.T) {
		first, err := repo.GetCycleByID(ctx, "user-1", cycle.ID)
		require.NoError(t, err)

		again, err := repo.CompleteCycle(ctx, "user-1", cycle.ID, now.Add(-5*time.Hour), now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, first, again, "re-completion must return the stored record unchanged")
	})

	t.Run("Update Dates After Completion Rejected", func(t *testing.T) {
		_, err := repo.UpdateCycleDates(ctx, "user-1", cycle.ID, now, now.Add(time.Hour))

		var invalid *domain.InvalidStateError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, domain.StatusCompleted, invalid.CurrentState)
		assert.Equal(t, domain.StatusInProgress, invalid.ExpectedState)
	})

	t.Run("Foreign Cycle Looks Absent", func(t *testing.T) {
		_, err := repo.GetCycleByID(ctx, "user-2", cycle.ID)

		var notFound *domain.NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestBadgerCycleRepository_LastCompletedOrdering(t *testing.T) {
	repo := setupBadger(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Insert historical cycles out of chronological order.
	ends := []time.Time{
		base.Add(10 * 24 * time.Hour),
		base.Add(30 * 24 * time.Hour),
		base.Add(20 * 24 * time.Hour),
	}
	var newest *domain.Cycle
	for _, end := range ends {
		c := mustCycle(t, "user-3", domain.StatusCompleted, end.Add(-16*time.Hour), end)
		require.NoError(t, repo.CreateCycle(ctx, c))
		if newest == nil || c.EndDate.After(newest.EndDate) {
			newest = c
		}
	}

	last, err := repo.GetLastCompletedCycle(ctx, "user-3")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, newest.ID, last.ID, "reverse scan must yield the maximum end date")

	t.Run("Correction Moves Index Entry", func(t *testing.T) {
		// Push the middle cycle past the current newest.
		moved, err := repo.UpdateCompletedCycleDates(ctx, "user-3", newest.ID,
			base.Add(4*24*time.Hour), base.Add(5*24*time.Hour))
		require.NoError(t, err)
		assert.True(t, moved.EndDate.Equal(base.Add(5*24*time.Hour)))

		last, err := repo.GetLastCompletedCycle(ctx, "user-3")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.NotEqual(t, newest.ID, last.ID, "the corrected cycle is no longer the newest")
		assert.True(t, last.EndDate.Equal(base.Add(20*24*time.Hour)))
	})

	t.Run("Delete Removes Index Entry", func(t *testing.T) {
		last, err := repo.GetLastCompletedCycle(ctx, "user-3")
		require.NoError(t, err)
		require.NotNil(t, last)

		require.NoError(t, repo.DeleteCycle(ctx, "user-3", last.ID))

		next, err := repo.GetLastCompletedCycle(ctx, "user-3")
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.NotEqual(t, last.ID, next.ID)
	})
}

func TestBadgerCycleRepository_NoCompletedCycles(t *testing.T) {
	repo := setupBadger(t)
	ctx := context.Background()

	last, err := repo.GetLastCompletedCycle(ctx, "user-without-history")
	require.NoError(t, err)
	assert.Nil(t, last)

	active, err := repo.GetActiveCycle(ctx, "user-without-history")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestBadgerCycleRepository_DeleteGuards(t *testing.T) {
	repo := setupBadger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	active := mustCycle(t, "user-4", domain.StatusInProgress, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, repo.CreateCycle(ctx, active))

	err := repo.DeleteCycle(ctx, "user-4", active.ID)
	var invalid *domain.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusInProgress, invalid.CurrentState)

	err = repo.DeleteCycle(ctx, "user-4", "missing-id")
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

// Two concurrent InProgress creates for the same user must produce exactly
// one success and one AlreadyInProgress failure.
func TestBadgerCycleRepository_ConcurrentCreateRace(t *testing.T) {
	repo := setupBadger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const attempts = 20

	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()

			c := mustCycle(t, "racer", domain.StatusInProgress,
				now.Add(time.Duration(offset)*time.Minute),
				now.Add(time.Duration(offset+30)*time.Minute))
			results <- repo.CreateCycle(ctx, c)
		}(i)
	}

	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var target *domain.AlreadyInProgressError
		require.ErrorAs(t, err, &target, "unexpected error kind: %v", err)
		conflicts++
	}

	assert.Equal(t, 1, successes, "exactly one create must win")
	assert.Equal(t, attempts-1, conflicts)

	active, err := repo.GetActiveCycle(ctx, "racer")
	require.NoError(t, err)
	assert.NotNil(t, active)
}

func TestBadgerCycleRepository_CancelledContext(t *testing.T) {
	repo := setupBadger(t)
	now := time.Now().UTC()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := mustCycle(t, "user-5", domain.StatusInProgress, now.Add(-time.Hour), now.Add(time.Hour))
	err := repo.CreateCycle(ctx, c)

	var repoErr *domain.RepositoryError
	assert.ErrorAs(t, err, &repoErr)
}
