package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// OutputStorage implements the OutputStorage interface for Badger
type OutputStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewOutputStorage creates a new OutputStorage instance
func NewOutputStorage(db *BadgerDB, logger arbor.ILogger) interfaces.OutputStorage {
	return &OutputStorage{
		db:     db,
		logger: logger,
	}
}

func (s *OutputStorage) SaveOutput(ctx context.Context, rec *models.OutputRecord) error {
	if rec.Ref == "" {
		return fmt.Errorf("output ref is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(rec.Ref, rec); err != nil {
		return fmt.Errorf("failed to save output: %w", err)
	}
	return nil
}

func (s *OutputStorage) GetOutput(ctx context.Context, ref string) (*models.OutputRecord, error) {
	var rec models.OutputRecord
	if err := s.db.Store().Get(ref, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get output: %w", err)
	}
	return &rec, nil
}

func (s *OutputStorage) ListOutputs(ctx context.Context, jobID string) ([]*models.OutputRecord, error) {
	var recs []models.OutputRecord
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID").SortBy("CreatedAt")
	if err := s.db.Store().Find(&recs, query); err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}

	result := make([]*models.OutputRecord, len(recs))
	for i := range recs {
		result[i] = &recs[i]
	}
	return result, nil
}
