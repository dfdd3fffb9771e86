package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zenfast/cycle-engine/internal/core/domain"
)

var _ domain.CycleRepository = (*BadgerCycleRepository)(nil)

// BadgerCycleRepository hand-rolls what postgres gets from constraints:
// secondary indexes are maintained inside one serializable transaction per
// operation, and the store's conflict detection turns two racing writers for
// the same user into one winner and one retry.
//
// Key layout:
//
//	cycle:{cycleId}                                  -> JSON record
//	user:{userId}:active                             -> cycleId
//	user:{userId}:completed:{endMillis:016d}:{cycleId} -> cycleId
//
// The completed index is scanned with Badger's native reverse iterator, so
// the newest end date comes first without any reverse-timestamp encoding.
type BadgerCycleRepository struct {
	db *badger.DB
}

func NewBadgerCycleRepository(db *badger.DB) *BadgerCycleRepository {
	return &BadgerCycleRepository{db: db}
}

const badgerTxnRetries = 3

func cycleKey(cycleID string) []byte {
	return []byte("cycle:" + cycleID)
}

func activeKey(userID string) []byte {
	return []byte("user:" + userID + ":active")
}

func completedPrefix(userID string) []byte {
	return []byte("user:" + userID + ":completed:")
}

func completedIndexKey(userID string, end time.Time, cycleID string) []byte {
	return fmt.Appendf(nil, "user:%s:completed:%016d:%s", userID, end.UnixMilli(), cycleID)
}

func encodeCycle(c *domain.Cycle) ([]byte, error) {
	return json.Marshal(c)
}

func decodeCycle(data []byte) (*domain.Cycle, error) {
	var c domain.Cycle
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// runUpdate executes fn inside a read-write transaction, retrying a bounded
// number of times when the store reports a serialization conflict. Domain
// errors returned by fn pass through untouched.
func (r *BadgerCycleRepository) runUpdate(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return &domain.RepositoryError{Op: op, Err: err}
	}

	var err error
	for attempt := 0; attempt < badgerTxnRetries; attempt++ {
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return &domain.RepositoryError{Op: op, Err: err}
}

// getCycleTxn loads and owner-checks a cycle inside txn. Absence and foreign
// ownership both surface as NotFoundError.
func getCycleTxn(txn *badger.Txn, userID, cycleID string) (*domain.Cycle, error) {
	item, err := txn.Get(cycleKey(cycleID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &domain.NotFoundError{UserID: userID, CycleID: cycleID}
		}
		return nil, &domain.RepositoryError{Op: "get cycle", Err: err}
	}

	var c *domain.Cycle
	err = item.Value(func(val []byte) error {
		var decodeErr error
		c, decodeErr = decodeCycle(val)
		return decodeErr
	})
	if err != nil {
		return nil, &domain.RepositoryError{Op: "decode cycle", Err: err}
	}

	if c.UserID != userID {
		return nil, &domain.NotFoundError{UserID: userID, CycleID: cycleID}
	}
	return c, nil
}

func setCycleTxn(txn *badger.Txn, c *domain.Cycle) error {
	data, err := encodeCycle(c)
	if err != nil {
		return &domain.RepositoryError{Op: "encode cycle", Err: err}
	}
	if err := txn.Set(cycleKey(c.ID), data); err != nil {
		return &domain.RepositoryError{Op: "set cycle", Err: err}
	}
	return nil
}

func (r *BadgerCycleRepository) GetCycleByID(ctx context.Context, userID, cycleID string) (*domain.Cycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.RepositoryError{Op: "get cycle by id", Err: err}
	}

	var cycle *domain.Cycle
	err := r.db.View(func(txn *badger.Txn) error {
		var txnErr error
		cycle, txnErr = getCycleTxn(txn, userID, cycleID)
		return txnErr
	})
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

func (r *BadgerCycleRepository) GetActiveCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.RepositoryError{Op: "get active cycle", Err: err}
	}

	var cycle *domain.Cycle
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(userID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return &domain.RepositoryError{Op: "get active index", Err: err}
		}

		var cycleID string
		if err := item.Value(func(val []byte) error {
			cycleID = string(val)
			return nil
		}); err != nil {
			return &domain.RepositoryError{Op: "read active index", Err: err}
		}

		var txnErr error
		cycle, txnErr = getCycleTxn(txn, userID, cycleID)
		return txnErr
	})
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

func (r *BadgerCycleRepository) GetLastCompletedCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.RepositoryError{Op: "get last completed cycle", Err: err}
	}

	prefix := completedPrefix(userID)

	var cycle *domain.Cycle
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the largest key in the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		var cycleID string
		if err := it.Item().Value(func(val []byte) error {
			cycleID = string(val)
			return nil
		}); err != nil {
			return &domain.RepositoryError{Op: "read completed index", Err: err}
		}

		var txnErr error
		cycle, txnErr = getCycleTxn(txn, userID, cycleID)
		return txnErr
	})
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

func (r *BadgerCycleRepository) CreateCycle(ctx context.Context, cycle *domain.Cycle) error {
	return r.runUpdate(ctx, "create cycle", func(txn *badger.Txn) error {
		if cycle.Status == domain.StatusInProgress {
			_, err := txn.Get(activeKey(cycle.UserID))
			if err == nil {
				return &domain.AlreadyInProgressError{UserID: cycle.UserID}
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return &domain.RepositoryError{Op: "check active index", Err: err}
			}

			if err := setCycleTxn(txn, cycle); err != nil {
				return err
			}
			if err := txn.Set(activeKey(cycle.UserID), []byte(cycle.ID)); err != nil {
				return &domain.RepositoryError{Op: "set active index", Err: err}
			}
			return nil
		}

		// Historical entry created directly as Completed.
		if err := setCycleTxn(txn, cycle); err != nil {
			return err
		}
		if err := txn.Set(completedIndexKey(cycle.UserID, cycle.EndDate, cycle.ID), []byte(cycle.ID)); err != nil {
			return &domain.RepositoryError{Op: "set completed index", Err: err}
		}
		return nil
	})
}

func (r *BadgerCycleRepository) UpdateCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	var updated *domain.Cycle
	err := r.runUpdate(ctx, "update cycle dates", func(txn *badger.Txn) error {
		c, err := getCycleTxn(txn, userID, cycleID)
		if err != nil {
			return err
		}
		if c.Status != domain.StatusInProgress {
			return &domain.InvalidStateError{
				CurrentState:  c.Status,
				ExpectedState: domain.StatusInProgress,
			}
		}

		c.StartDate = start.UTC()
		c.EndDate = end.UTC()
		c.UpdatedAt = time.Now().UTC()

		if err := setCycleTxn(txn, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *BadgerCycleRepository) CompleteCycle(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	var completed *domain.Cycle
	err := r.runUpdate(ctx, "complete cycle", func(txn *badger.Txn) error {
		c, err := getCycleTxn(txn, userID, cycleID)
		if err != nil {
			return err
		}

		// Idempotent on re-completion: hand back the stored record.
		if c.Status == domain.StatusCompleted {
			completed = c
			return nil
		}

		c.Status = domain.StatusCompleted
		c.StartDate = start.UTC()
		c.EndDate = end.UTC()
		c.UpdatedAt = time.Now().UTC()

		if err := setCycleTxn(txn, c); err != nil {
			return err
		}
		if err := txn.Delete(activeKey(userID)); err != nil {
			return &domain.RepositoryError{Op: "delete active index", Err: err}
		}
		if err := txn.Set(completedIndexKey(userID, c.EndDate, c.ID), []byte(c.ID)); err != nil {
			return &domain.RepositoryError{Op: "set completed index", Err: err}
		}
		completed = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (r *BadgerCycleRepository) UpdateCompletedCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	var updated *domain.Cycle
	err := r.runUpdate(ctx, "update completed cycle dates", func(txn *badger.Txn) error {
		c, err := getCycleTxn(txn, userID, cycleID)
		if err != nil {
			return err
		}
		if c.Status != domain.StatusCompleted {
			return &domain.InvalidStateError{
				CurrentState:  c.Status,
				ExpectedState: domain.StatusCompleted,
			}
		}

		// End date is part of the index key, so the entry moves.
		if err := txn.Delete(completedIndexKey(userID, c.EndDate, c.ID)); err != nil {
			return &domain.RepositoryError{Op: "delete completed index", Err: err}
		}

		c.StartDate = start.UTC()
		c.EndDate = end.UTC()
		c.UpdatedAt = time.Now().UTC()

		if err := setCycleTxn(txn, c); err != nil {
			return err
		}
		if err := txn.Set(completedIndexKey(userID, c.EndDate, c.ID), []byte(c.ID)); err != nil {
			return &domain.RepositoryError{Op: "set completed index", Err: err}
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *BadgerCycleRepository) DeleteCycle(ctx context.Context, userID, cycleID string) error {
	return r.runUpdate(ctx, "delete cycle", func(txn *badger.Txn) error {
		c, err := getCycleTxn(txn, userID, cycleID)
		if err != nil {
			return err
		}
		if c.Status != domain.StatusCompleted {
			return &domain.InvalidStateError{
				CurrentState:  c.Status,
				ExpectedState: domain.StatusCompleted,
			}
		}

		if err := txn.Delete(cycleKey(cycleID)); err != nil {
			return &domain.RepositoryError{Op: "delete cycle", Err: err}
		}
		if err := txn.Delete(completedIndexKey(userID, c.EndDate, c.ID)); err != nil {
			return &domain.RepositoryError{Op: "delete completed index", Err: err}
		}
		return nil
	})
}
