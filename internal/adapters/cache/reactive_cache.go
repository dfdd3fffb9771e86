package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zenfast/cycle-engine/internal/core/domain"
)

var (
	_ domain.CompletionDateCache      = (*ReactiveCompletionCache)(nil)
	_ domain.CompletionDateSubscriber = (*ReactiveCompletionCache)(nil)
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses intermediate values, never the
// ordering of the ones it does see.
const subscriberBuffer = 16

// ReactiveCompletionCache keeps one live cell per user, created lazily and
// seeded from the repository. Subscribers get the current value immediately,
// then every update. The cell map is bounded: at capacity the least recently
// accessed cell is torn down, closing its subscriptions.
type ReactiveCompletionCache struct {
	repo     domain.CycleRepository
	log      *logrus.Logger
	capacity int

	mu    sync.Mutex
	cells map[string]*completionCell
}

type completionCell struct {
	value      *time.Time
	lastAccess time.Time
	subs       map[int]*subscription
	nextSubID  int
}

// subscription pairs the delivery channel with a done signal so the
// per-subscriber goroutine exits on teardown as well as on ctx cancellation.
type subscription struct {
	ch   chan *time.Time
	done chan struct{}
}

func (s *subscription) teardown() {
	close(s.ch)
	close(s.done)
}

func NewReactiveCompletionCache(repo domain.CycleRepository, capacity int, log *logrus.Logger) *ReactiveCompletionCache {
	return &ReactiveCompletionCache{
		repo:     repo,
		log:      log,
		capacity: capacity,
		cells:    make(map[string]*completionCell),
	}
}

// cell returns the user's live cell, creating and seeding it on first
// access. Seeding happens outside the lock; if two goroutines race, the
// first stored cell wins and the duplicate seed result is discarded.
func (c *ReactiveCompletionCache) cell(ctx context.Context, userID string) (*completionCell, error) {
	c.mu.Lock()
	if cell, ok := c.cells[userID]; ok {
		cell.lastAccess = time.Now()
		c.mu.Unlock()
		return cell, nil
	}
	c.mu.Unlock()

	last, err := c.repo.GetLastCompletedCycle(ctx, userID)
	if err != nil {
		return nil, &domain.CacheError{Op: "seed completion cell", Err: err}
	}

	var seeded *time.Time
	if last != nil {
		end := last.EndDate
		seeded = &end
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cell, ok := c.cells[userID]; ok {
		cell.lastAccess = time.Now()
		return cell, nil
	}

	if len(c.cells) >= c.capacity {
		c.evictStalestLocked()
	}

	cell := &completionCell{
		value:      seeded,
		lastAccess: time.Now(),
		subs:       make(map[int]*subscription),
	}
	c.cells[userID] = cell
	return cell, nil
}

// evictStalestLocked tears down the least recently accessed cell, closing
// its subscriber channels. Callers hold mu.
func (c *ReactiveCompletionCache) evictStalestLocked() {
	var stalestKey string
	var stalestAt time.Time

	for key, cell := range c.cells {
		if stalestKey == "" || cell.lastAccess.Before(stalestAt) {
			stalestKey = key
			stalestAt = cell.lastAccess
		}
	}

	if stalestKey == "" {
		return
	}

	for _, sub := range c.cells[stalestKey].subs {
		sub.teardown()
	}
	delete(c.cells, stalestKey)
	c.log.WithField("user_id", stalestKey).Debug("Evicted completion cell at capacity")
}

func (c *ReactiveCompletionCache) GetLastCompletionDate(ctx context.Context, userID string) (*time.Time, error) {
	cell, err := c.cell(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return copyDate(cell.value), nil
}

func (c *ReactiveCompletionCache) SetLastCompletionDate(ctx context.Context, userID string, completedAt time.Time) (time.Time, error) {
	completedAt = completedAt.UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	cell, ok := c.cells[userID]
	if !ok {
		// No need to seed from the repository: the pushed value is
		// authoritative for the cell being created.
		cell = &completionCell{subs: make(map[int]*subscription)}
		if len(c.cells) >= c.capacity {
			c.evictStalestLocked()
		}
		c.cells[userID] = cell
	}

	value := completedAt
	cell.value = &value
	cell.lastAccess = time.Now()

	for _, sub := range cell.subs {
		select {
		case sub.ch <- copyDate(cell.value):
		default:
			c.log.WithField("user_id", userID).Warn("Dropped completion-date update for slow subscriber")
		}
	}

	return completedAt, nil
}

// Invalidate tears the cell down rather than pushing a value: without a
// repository round trip there is no correct value to push. Subscribers see
// their channel close and are expected to resubscribe.
func (c *ReactiveCompletionCache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cell, ok := c.cells[userID]
	if !ok {
		return nil
	}

	for _, sub := range cell.subs {
		sub.teardown()
	}
	delete(c.cells, userID)
	return nil
}

func (c *ReactiveCompletionCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cell := range c.cells {
		for _, sub := range cell.subs {
			sub.teardown()
		}
	}
	c.cells = make(map[string]*completionCell)
	return nil
}

// Len reports the number of live cells.
func (c *ReactiveCompletionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.cells)
}

// SubscribeToChanges emits the current value immediately, then every update,
// until ctx is cancelled or the cell is invalidated.
func (c *ReactiveCompletionCache) SubscribeToChanges(ctx context.Context, userID string) (<-chan *time.Time, error) {
	cell, err := c.cell(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		ch:   make(chan *time.Time, subscriberBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	// The cell may have been evicted between seeding and here; re-fetch.
	current, ok := c.cells[userID]
	if !ok || current != cell {
		c.mu.Unlock()
		close(sub.ch)
		return sub.ch, nil
	}

	subID := cell.nextSubID
	cell.nextSubID++
	cell.subs[subID] = sub
	sub.ch <- copyDate(cell.value)
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			// Already torn down by invalidation or eviction.
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		// The cell or subscription may already be gone; close only if we
		// still own it.
		if current, ok := c.cells[userID]; ok {
			if owned, ok := current.subs[subID]; ok && owned == sub {
				delete(current.subs, subID)
				sub.teardown()
			}
		}
	}()

	return sub.ch, nil
}
