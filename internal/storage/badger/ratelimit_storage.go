package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// reserveRetries bounds re-runs of a reservation transaction after a
// commit conflict
const reserveRetries = 5

// RateLimitStorage implements the RateLimitStorage interface for Badger.
// All counter mutation runs inside a Badger transaction so that two
// concurrent submissions cannot both pass a check-then-increment.
type RateLimitStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRateLimitStorage creates a new RateLimitStorage instance
func NewRateLimitStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RateLimitStorage {
	return &RateLimitStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RateLimitStorage) GetRecord(ctx context.Context, userID string) (*models.RateLimitRecord, error) {
	var rec models.RateLimitRecord
	if err := s.db.Store().Get(userID, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return newRecord(userID), nil
		}
		return nil, fmt.Errorf("failed to get rate limit record: %w", err)
	}
	return &rec, nil
}

// Reserve rolls the user's windows, applies the admission function, and
// persists the mutated record iff admission was granted - all in one
// transaction. A denied decision leaves the stored counters untouched.
func (s *RateLimitStorage) Reserve(ctx context.Context, userID string, fn func(rec *models.RateLimitRecord) *models.RateLimitDecision) (*models.RateLimitDecision, error) {
	store := s.db.Store()
	var decision *models.RateLimitDecision

	// Commit conflicts mean another reservation landed first; re-run the
	// admission function against the fresh counters.
	var err error
	for attempt := 0; attempt < reserveRetries; attempt++ {
		err = store.Badger().Update(func(tx *badgerdb.Txn) error {
			rec := newRecord(userID)
			err := store.TxGet(tx, userID, rec)
			if err != nil && err != badgerhold.ErrNotFound {
				return err
			}
			rec.UserID = userID
			rec.RollWindows(time.Now())

			decision = fn(rec)
			if decision == nil || !decision.Allowed {
				return nil
			}

			rec.UpdatedAt = time.Now()
			return store.TxUpsert(tx, userID, rec)
		})
		if err != badgerdb.ErrConflict {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve rate limit: %w", err)
	}
	return decision, nil
}

// AdjustActiveJobs adds delta to the user's active job counter, clamping
// at zero. Used on job start (+1) and on any terminal transition (-1).
func (s *RateLimitStorage) AdjustActiveJobs(ctx context.Context, userID string, delta int) error {
	store := s.db.Store()
	var err error
	for attempt := 0; attempt < reserveRetries; attempt++ {
		err = store.Badger().Update(func(tx *badgerdb.Txn) error {
			rec := newRecord(userID)
			err := store.TxGet(tx, userID, rec)
			if err != nil && err != badgerhold.ErrNotFound {
				return err
			}
			rec.UserID = userID
			rec.ActiveJobs += delta
			if rec.ActiveJobs < 0 {
				rec.ActiveJobs = 0
			}
			rec.UpdatedAt = time.Now()
			return store.TxUpsert(tx, userID, rec)
		})
		if err != badgerdb.ErrConflict {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to adjust active jobs: %w", err)
	}
	return nil
}

func newRecord(userID string) *models.RateLimitRecord {
	return &models.RateLimitRecord{UserID: userID}
}
