package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCycleInvalidUserID = errors.New("invalid user id")
	ErrCycleInvalidStatus = errors.New("invalid cycle status (must be InProgress or Completed)")
	ErrCycleInvalidRange  = errors.New("cycle start date must be before end date")
)

type CycleStatus string

const (
	StatusInProgress CycleStatus = "InProgress"
	StatusCompleted  CycleStatus = "Completed"
)

func (s CycleStatus) Valid() bool {
	return s == StatusInProgress || s == StatusCompleted
}

// Cycle is a single time-bounded fasting period owned by one user.
// For an InProgress cycle EndDate is the provisional target, not a final value.
type Cycle struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Status    CycleStatus `json:"status"`
	StartDate time.Time   `json:"start_date"`
	EndDate   time.Time   `json:"end_date"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func NewCycle(userID string, status CycleStatus, start, end time.Time) (*Cycle, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrCycleInvalidUserID
	}
	if !status.Valid() {
		return nil, ErrCycleInvalidStatus
	}
	if !start.Before(end) {
		return nil, ErrCycleInvalidRange
	}

	now := time.Now().UTC()

	return &Cycle{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    status,
		StartDate: start.UTC(),
		EndDate:   end.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (c *Cycle) IsActive() bool {
	return c.Status == StatusInProgress
}

// Overlaps reports whether [c.StartDate, c.EndDate) intersects [start, end).
func (c *Cycle) Overlaps(start, end time.Time) bool {
	return c.StartDate.Before(end) && start.Before(c.EndDate)
}

// Complete flips the cycle to Completed with the final date range.
// It is a no-op on an already-Completed cycle.
func (c *Cycle) Complete(start, end time.Time) error {
	if c.Status == StatusCompleted {
		return nil
	}
	if !start.Before(end) {
		return ErrCycleInvalidRange
	}

	c.Status = StatusCompleted
	c.StartDate = start.UTC()
	c.EndDate = end.UTC()
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// SetDates replaces the date range without touching the status.
func (c *Cycle) SetDates(start, end time.Time) error {
	if !start.Before(end) {
		return ErrCycleInvalidRange
	}

	c.StartDate = start.UTC()
	c.EndDate = end.UTC()
	c.UpdatedAt = time.Now().UTC()
	return nil
}
