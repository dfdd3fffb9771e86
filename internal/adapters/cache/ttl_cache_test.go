package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zenfast/cycle-engine/internal/core/domain"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeRepo serves GetLastCompletedCycle from a fixed map and counts loads.
// The caches never touch the rest of the repository contract.
type fakeRepo struct {
	mu    sync.Mutex
	last  map[string]*domain.Cycle
	err   error
	loads int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{last: make(map[string]*domain.Cycle)}
}

func (f *fakeRepo) setLast(userID string, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[userID] = &domain.Cycle{
		ID:      "cycle-" + userID,
		UserID:  userID,
		Status:  domain.StatusCompleted,
		EndDate: end,
	}
}

func (f *fakeRepo) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeRepo) GetLastCompletedCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.last[userID], nil
}

func (f *fakeRepo) GetCycleByID(ctx context.Context, userID, cycleID string) (*domain.Cycle, error) {
	panic("not used by the cache")
}

func (f *fakeRepo) GetActiveCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	panic("not used by the cache")
}

func (f *fakeRepo) CreateCycle(ctx context.Context, cycle *domain.Cycle) error {
	panic("not used by the cache")
}

func (f *fakeRepo) UpdateCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	panic("not used by the cache")
}

func (f *fakeRepo) CompleteCycle(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	panic("not used by the cache")
}

func (f *fakeRepo) UpdateCompletedCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	panic("not used by the cache")
}

func (f *fakeRepo) DeleteCycle(ctx context.Context, userID, cycleID string) error {
	panic("not used by the cache")
}

func TestTTLCompletionCache_ReadThrough(t *testing.T) {
	repo := newFakeRepo()
	end := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	repo.setLast("user-1", end)

	cache := NewTTLCompletionCache(repo, time.Minute, 10, newTestLogger())
	ctx := context.Background()

	date, err := cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, date)
	assert.True(t, date.Equal(end))
	assert.Equal(t, 1, repo.loadCount())

	// Second read within the TTL must be served from the cache.
	date, err = cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, date)
	assert.Equal(t, 1, repo.loadCount())
}

func TestTTLCompletionCache_NegativeEntry(t *testing.T) {
	repo := newFakeRepo()
	cache := NewTTLCompletionCache(repo, time.Minute, 10, newTestLogger())
	ctx := context.Background()

	date, err := cache.GetLastCompletionDate(ctx, "fresh-user")
	require.NoError(t, err)
	assert.Nil(t, date)

	// The "no completed cycles" answer is cached too.
	_, err = cache.GetLastCompletionDate(ctx, "fresh-user")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loadCount())
}

func TestTTLCompletionCache_SetThenGet(t *testing.T) {
	repo := newFakeRepo()
	cache := NewTTLCompletionCache(repo, time.Minute, 10, newTestLogger())
	ctx := context.Background()

	completedAt := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	stored, err := cache.SetLastCompletionDate(ctx, "user-1", completedAt)
	require.NoError(t, err)
	assert.True(t, stored.Equal(completedAt))

	date, err := cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, date)
	assert.True(t, date.Equal(completedAt), "a pushed value must be visible immediately")
	assert.Equal(t, 0, repo.loadCount(), "a pushed value must not trigger a load")
}

func TestTTLCompletionCache_Expiry(t *testing.T) {
	repo := newFakeRepo()
	repo.setLast("user-1", time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC))

	cache := NewTTLCompletionCache(repo, 10*time.Millisecond, 10, newTestLogger())
	ctx := context.Background()

	_, err := cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, repo.loadCount())

	time.Sleep(25 * time.Millisecond)

	_, err = cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.loadCount(), "an expired entry must be reloaded")
}

func TestTTLCompletionCache_CapacityEviction(t *testing.T) {
	repo := newFakeRepo()
	cache := NewTTLCompletionCache(repo, time.Minute, 2, newTestLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := cache.SetLastCompletionDate(ctx, "user-a", now)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = cache.SetLastCompletionDate(ctx, "user-b", now)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = cache.SetLastCompletionDate(ctx, "user-c", now)
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Len(), "capacity must bound resident entries")

	// user-b survived the eviction; reading it stays in-cache.
	_, err = cache.GetLastCompletionDate(ctx, "user-b")
	require.NoError(t, err)
	assert.Equal(t, 0, repo.loadCount())

	// The oldest entry (user-a) was evicted, so reading it loads again.
	_, err = cache.GetLastCompletionDate(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loadCount())
}

func TestTTLCompletionCache_Invalidate(t *testing.T) {
	repo := newFakeRepo()
	repo.setLast("user-1", time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC))

	cache := NewTTLCompletionCache(repo, time.Minute, 10, newTestLogger())
	ctx := context.Background()

	_, err := cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx, "user-1"))
	assert.Equal(t, 0, cache.Len())

	_, err = cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.loadCount(), "an invalidated entry must be reloaded")
}

func TestTTLCompletionCache_InvalidateAll(t *testing.T) {
	repo := newFakeRepo()
	cache := NewTTLCompletionCache(repo, time.Minute, 10, newTestLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	for _, user := range []string{"a", "b", "c"} {
		_, err := cache.SetLastCompletionDate(ctx, user, now)
		require.NoError(t, err)
	}
	require.Equal(t, 3, cache.Len())

	require.NoError(t, cache.InvalidateAll(ctx))
	assert.Equal(t, 0, cache.Len())
}

func TestTTLCompletionCache_RepositoryFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("connection refused")

	cache := NewTTLCompletionCache(repo, time.Minute, 10, newTestLogger())

	_, err := cache.GetLastCompletionDate(context.Background(), "user-1")
	var cacheErr *domain.CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.ErrorIs(t, err, repo.err)
}

func TestTTLCompletionCache_ReturnsCopies(t *testing.T) {
	repo := newFakeRepo()
	cache := NewTTLCompletionCache(repo, time.Minute, 10, newTestLogger())
	ctx := context.Background()

	completedAt := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	_, err := cache.SetLastCompletionDate(ctx, "user-1", completedAt)
	require.NoError(t, err)

	first, err := cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)
	*first = first.Add(time.Hour)

	second, err := cache.GetLastCompletionDate(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, second.Equal(completedAt), "callers must not be able to mutate the cached value")
}
