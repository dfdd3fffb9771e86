package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zenfast/cycle-engine/internal/core/domain"
)

var _ domain.CompletionDateCache = (*TTLCompletionCache)(nil)

// TTLCompletionCache is the read-through variant of the completion-date
// cache: bounded capacity, per-entry expiry, and an explicit negative entry
// for users with no completed cycles so a popular new user cannot stampede
// the repository.
type TTLCompletionCache struct {
	repo     domain.CycleRepository
	log      *logrus.Logger
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*ttlEntry
}

type ttlEntry struct {
	// date is nil for the negative "no completed cycles" entry.
	date      *time.Time
	expiresAt time.Time
	storedAt  time.Time
}

func NewTTLCompletionCache(repo domain.CycleRepository, ttl time.Duration, capacity int, log *logrus.Logger) *TTLCompletionCache {
	return &TTLCompletionCache{
		repo:     repo,
		log:      log,
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*ttlEntry),
	}
}

func (c *TTLCompletionCache) GetLastCompletionDate(ctx context.Context, userID string) (*time.Time, error) {
	c.mu.Lock()
	if entry, ok := c.entries[userID]; ok {
		if time.Now().Before(entry.expiresAt) {
			date := copyDate(entry.date)
			c.mu.Unlock()
			return date, nil
		}
		delete(c.entries, userID)
	}
	c.mu.Unlock()

	// Miss: load from the authoritative repository. The lock is not held
	// across the round trip.
	last, err := c.repo.GetLastCompletedCycle(ctx, userID)
	if err != nil {
		return nil, &domain.CacheError{Op: "load last completed cycle", Err: err}
	}

	var date *time.Time
	if last != nil {
		end := last.EndDate
		date = &end
	}

	c.store(userID, date)
	return copyDate(date), nil
}

func (c *TTLCompletionCache) SetLastCompletionDate(ctx context.Context, userID string, completedAt time.Time) (time.Time, error) {
	completedAt = completedAt.UTC()
	c.store(userID, &completedAt)
	return completedAt, nil
}

func (c *TTLCompletionCache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, userID)
	return nil
}

func (c *TTLCompletionCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*ttlEntry)
	return nil
}

// Len reports the number of resident entries, expired or not.
func (c *TTLCompletionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *TTLCompletionCache) store(userID string, date *time.Time) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	c.entries[userID] = &ttlEntry{
		date:      copyDate(date),
		expiresAt: now.Add(c.ttl),
		storedAt:  now,
	}
}

// evictOldestLocked drops the least recently stored entry. Callers hold mu.
func (c *TTLCompletionCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.log.WithField("user_id", oldestKey).Debug("Evicted completion-date entry at capacity")
	}
}

func copyDate(date *time.Time) *time.Time {
	if date == nil {
		return nil
	}
	d := *date
	return &d
}
