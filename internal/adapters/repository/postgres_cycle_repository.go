package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zenfast/cycle-engine/internal/core/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var _ domain.CycleRepository = (*PostgresCycleRepository)(nil)

// PostgresCycleRepository delegates both invariants to the database: the
// partial unique index guards the single-active-cycle rule and the overlap
// trigger guards date ranges, so no application-level lock is held across
// the write.
type PostgresCycleRepository struct {
	db *sqlx.DB
}

func NewPostgresCycleRepository(db *sqlx.DB) *PostgresCycleRepository {
	return &PostgresCycleRepository{db: db}
}

type scannable interface {
	Scan(dest ...interface{}) error
}

const cycleColumns = `id, user_id, status, start_date, end_date, created_at, updated_at`

func scanCycle(row scannable) (*domain.Cycle, error) {
	var c domain.Cycle
	err := row.Scan(
		&c.ID, &c.UserID, &c.Status,
		&c.StartDate, &c.EndDate,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.StartDate = c.StartDate.UTC()
	c.EndDate = c.EndDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (r *PostgresCycleRepository) GetCycleByID(ctx context.Context, userID, cycleID string) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE id = $1 AND user_id = $2`

	c, err := scanCycle(r.db.QueryRowContext(ctx, query, cycleID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{UserID: userID, CycleID: cycleID}
		}
		return nil, &domain.RepositoryError{Op: "get cycle by id", Err: err}
	}

	return c, nil
}

func (r *PostgresCycleRepository) GetActiveCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE user_id = $1 AND status = 'InProgress'`

	c, err := scanCycle(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &domain.RepositoryError{Op: "get active cycle", Err: err}
	}

	return c, nil
}

func (r *PostgresCycleRepository) GetLastCompletedCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	query := `
        SELECT ` + cycleColumns + ` FROM cycles
        WHERE user_id = $1 AND status = 'Completed'
        ORDER BY end_date DESC
        LIMIT 1`

	c, err := scanCycle(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &domain.RepositoryError{Op: "get last completed cycle", Err: err}
	}

	return c, nil
}

func (r *PostgresCycleRepository) CreateCycle(ctx context.Context, cycle *domain.Cycle) error {
	query := `
        INSERT INTO cycles (id, user_id, status, start_date, end_date, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		cycle.ID, cycle.UserID, cycle.Status,
		cycle.StartDate, cycle.EndDate,
		cycle.CreatedAt, cycle.UpdatedAt,
	)
	if err != nil {
		return r.translateConstraint(ctx, err, cycle.UserID, cycle.StartDate, "create cycle")
	}

	return nil
}

func (r *PostgresCycleRepository) UpdateCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	query := `
        UPDATE cycles
        SET start_date = $1, end_date = $2, updated_at = NOW()
        WHERE id = $3 AND user_id = $4 AND status = 'InProgress'
        RETURNING ` + cycleColumns

	c, err := scanCycle(r.db.QueryRowContext(ctx, query, start, end, cycleID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.stateGuardFailure(ctx, userID, cycleID, domain.StatusInProgress)
		}
		return nil, r.translateConstraint(ctx, err, userID, start, "update cycle dates")
	}

	return c, nil
}

func (r *PostgresCycleRepository) CompleteCycle(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	query := `
        UPDATE cycles
        SET status = 'Completed', start_date = $1, end_date = $2, updated_at = NOW()
        WHERE id = $3 AND user_id = $4 AND status = 'InProgress'
        RETURNING ` + cycleColumns

	c, err := scanCycle(r.db.QueryRowContext(ctx, query, start, end, cycleID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Zero rows means missing, foreign, or already Completed.
			// Re-completing a Completed cycle is idempotent: hand back
			// the stored record unchanged.
			existing, getErr := r.GetCycleByID(ctx, userID, cycleID)
			if getErr != nil {
				return nil, getErr
			}
			if existing.Status == domain.StatusCompleted {
				return existing, nil
			}
			return nil, &domain.InvalidStateError{
				CurrentState:  existing.Status,
				ExpectedState: domain.StatusInProgress,
			}
		}
		return nil, r.translateConstraint(ctx, err, userID, start, "complete cycle")
	}

	return c, nil
}

func (r *PostgresCycleRepository) UpdateCompletedCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	query := `
        UPDATE cycles
        SET start_date = $1, end_date = $2, updated_at = NOW()
        WHERE id = $3 AND user_id = $4 AND status = 'Completed'
        RETURNING ` + cycleColumns

	c, err := scanCycle(r.db.QueryRowContext(ctx, query, start, end, cycleID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.stateGuardFailure(ctx, userID, cycleID, domain.StatusCompleted)
		}
		return nil, r.translateConstraint(ctx, err, userID, start, "update completed cycle dates")
	}

	return c, nil
}

func (r *PostgresCycleRepository) DeleteCycle(ctx context.Context, userID, cycleID string) error {
	query := `DELETE FROM cycles WHERE id = $1 AND user_id = $2 AND status = 'Completed'`

	res, err := r.db.ExecContext(ctx, query, cycleID, userID)
	if err != nil {
		return &domain.RepositoryError{Op: "delete cycle", Err: err}
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return &domain.RepositoryError{Op: "delete cycle", Err: err}
	}
	if rows == 0 {
		return r.stateGuardFailure(ctx, userID, cycleID, domain.StatusCompleted)
	}

	return nil
}

// stateGuardFailure disambiguates a conditional write that touched zero
// rows: the record is either absent, foreign, or in the wrong status.
func (r *PostgresCycleRepository) stateGuardFailure(ctx context.Context, userID, cycleID string, expected domain.CycleStatus) error {
	existing, err := r.GetCycleByID(ctx, userID, cycleID)
	if err != nil {
		return err
	}
	return &domain.InvalidStateError{
		CurrentState:  existing.Status,
		ExpectedState: expected,
	}
}

// translateConstraint maps a database constraint violation to the matching
// domain error, falling back to RepositoryError for anything unexpected.
func (r *PostgresCycleRepository) translateConstraint(ctx context.Context, err error, userID string, newStart time.Time, op string) error {
	violation, ok := classifyConstraint(err)
	if !ok {
		return &domain.RepositoryError{Op: op, Err: err}
	}

	switch {
	case violation.Kind == constraintUnique && violation.Constraint == constraintUserActive:
		return &domain.AlreadyInProgressError{UserID: userID}
	case violation.Kind == constraintExclusion && violation.Constraint == constraintNoOverlap:
		overlapErr := &domain.OverlapError{NewStartDate: newStart}
		// Best effort: attach the boundary the caller collided with.
		if last, lastErr := r.GetLastCompletedCycle(ctx, userID); lastErr == nil && last != nil {
			overlapErr.LastCompletedEndDate = last.EndDate
		}
		return overlapErr
	}

	return &domain.RepositoryError{Op: op, Err: err}
}
