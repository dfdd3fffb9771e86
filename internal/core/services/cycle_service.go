package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zenfast/cycle-engine/internal/core/domain"
)

// CycleService orchestrates cycle lifecycle operations against the active
// repository and the completion-date cache. The cache is a best-effort
// accelerator: every write goes to the repository first, cache updates are
// logged and swallowed, and a cache read failure falls back to the
// repository.
type CycleService struct {
	repo  domain.CycleRepository
	cache domain.CompletionDateCache
	log   *logrus.Logger
}

func NewCycleService(repo domain.CycleRepository, cache domain.CompletionDateCache, log *logrus.Logger) *CycleService {
	return &CycleService{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

type CreateCycleInput struct {
	UserID    string
	Status    domain.CycleStatus
	StartDate time.Time
	EndDate   time.Time
}

func (s *CycleService) CreateCycle(ctx context.Context, input CreateCycleInput) (*domain.Cycle, error) {
	cycle, err := domain.NewCycle(input.UserID, input.Status, input.StartDate, input.EndDate)
	if err != nil {
		return nil, err
	}

	if err := s.checkOverlap(ctx, input.UserID, cycle.StartDate); err != nil {
		return nil, err
	}

	if err := s.repo.CreateCycle(ctx, cycle); err != nil {
		return nil, err
	}

	if cycle.Status == domain.StatusCompleted {
		s.pushCompletionDate(ctx, cycle.UserID, cycle.EndDate)
	}

	return cycle, nil
}

func (s *CycleService) GetCycleByID(ctx context.Context, userID, cycleID string) (*domain.Cycle, error) {
	return s.repo.GetCycleByID(ctx, userID, cycleID)
}

func (s *CycleService) GetActiveCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	return s.repo.GetActiveCycle(ctx, userID)
}

func (s *CycleService) GetLastCompletedCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	return s.repo.GetLastCompletedCycle(ctx, userID)
}

func (s *CycleService) UpdateCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	if err := s.requireActiveCycle(ctx, userID, cycleID); err != nil {
		return nil, err
	}

	if err := s.checkOverlap(ctx, userID, start); err != nil {
		return nil, err
	}

	return s.repo.UpdateCycleDates(ctx, userID, cycleID, start, end)
}

func (s *CycleService) CompleteCycle(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	current, err := s.repo.GetCycleByID(ctx, userID, cycleID)
	if err != nil {
		return nil, err
	}

	// Completion rewrites the date range, so it runs the same overlap check
	// as a create. The cycle being completed is still InProgress and thus
	// not in the completed set, so it cannot collide with itself. A cycle
	// that is already Completed skips the check: the repository hands back
	// the stored record unchanged.
	if current.Status == domain.StatusInProgress {
		if err := s.checkOverlap(ctx, userID, start); err != nil {
			return nil, err
		}
	}

	cycle, err := s.repo.CompleteCycle(ctx, userID, cycleID, start, end)
	if err != nil {
		return nil, err
	}

	s.pushCompletionDate(ctx, userID, cycle.EndDate)
	return cycle, nil
}

func (s *CycleService) UpdateCompletedCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	if err := s.checkCorrectedRange(ctx, userID, cycleID, start, end); err != nil {
		return nil, err
	}

	cycle, err := s.repo.UpdateCompletedCycleDates(ctx, userID, cycleID, start, end)
	if err != nil {
		return nil, err
	}

	// The corrected cycle may or may not be the newest one; only a fresh
	// repository read can tell, so evict instead of pushing a value.
	if cacheErr := s.cache.Invalidate(ctx, userID); cacheErr != nil {
		s.log.WithError(cacheErr).WithField("user_id", userID).Warn("Failed to invalidate completion-date cache")
	}

	return cycle, nil
}

func (s *CycleService) DeleteCycle(ctx context.Context, userID, cycleID string) error {
	if err := s.repo.DeleteCycle(ctx, userID, cycleID); err != nil {
		return err
	}

	if cacheErr := s.cache.Invalidate(ctx, userID); cacheErr != nil {
		s.log.WithError(cacheErr).WithField("user_id", userID).Warn("Failed to invalidate completion-date cache")
	}

	return nil
}

// requireActiveCycle verifies that cycleID is the user's current active
// cycle before a date mutation targets it.
func (s *CycleService) requireActiveCycle(ctx context.Context, userID, cycleID string) error {
	active, err := s.repo.GetActiveCycle(ctx, userID)
	if err != nil {
		return err
	}
	if active == nil {
		return &domain.NotFoundError{UserID: userID, CycleID: cycleID}
	}
	if active.ID != cycleID {
		return &domain.IDMismatchError{RequestedID: cycleID, ActiveID: active.ID}
	}
	return nil
}

// checkOverlap rejects a start date that falls before the user's most
// recent completion. The cached date is preferred; on cache failure the
// check reads the repository directly, so cache unavailability never blocks
// a state transition.
func (s *CycleService) checkOverlap(ctx context.Context, userID string, start time.Time) error {
	lastEnd, err := s.cache.GetLastCompletionDate(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("Completion-date cache unavailable, falling back to repository")

		last, repoErr := s.repo.GetLastCompletedCycle(ctx, userID)
		if repoErr != nil {
			return repoErr
		}
		if last != nil {
			end := last.EndDate
			lastEnd = &end
		}
	}

	if lastEnd != nil && start.Before(*lastEnd) {
		return &domain.OverlapError{
			NewStartDate:         start,
			LastCompletedEndDate: *lastEnd,
		}
	}

	return nil
}

// checkCorrectedRange validates a corrected range against the neighbors the
// repository contract exposes: the user's active cycle and the newest
// completed cycle (unless the corrected cycle is the newest itself).
// Collisions with older historical cycles are only caught by the relational
// backend's trigger.
func (s *CycleService) checkCorrectedRange(ctx context.Context, userID, cycleID string, start, end time.Time) error {
	active, err := s.repo.GetActiveCycle(ctx, userID)
	if err != nil {
		return err
	}
	if active != nil && active.ID != cycleID && active.Overlaps(start, end) {
		return &domain.OverlapError{NewStartDate: start, LastCompletedEndDate: active.EndDate}
	}

	last, err := s.repo.GetLastCompletedCycle(ctx, userID)
	if err != nil {
		return err
	}
	if last != nil && last.ID != cycleID && last.Overlaps(start, end) {
		return &domain.OverlapError{NewStartDate: start, LastCompletedEndDate: last.EndDate}
	}

	return nil
}

// pushCompletionDate records a new completion instant in the cache,
// swallowing failures: the next overlap check simply takes the slower
// repository path.
func (s *CycleService) pushCompletionDate(ctx context.Context, userID string, completedAt time.Time) {
	if _, err := s.cache.SetLastCompletionDate(ctx, userID, completedAt); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("Failed to update completion-date cache")
	}
}
