package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	job       interfaces.JobStorage
	task      interfaces.TaskStorage
	rateLimit interfaces.RateLimitStorage
	output    interfaces.OutputStorage
	log       interfaces.LogStorage
	logger    arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:        db,
		job:       NewJobStorage(db, logger),
		task:      NewTaskStorage(db, logger),
		rateLimit: NewRateLimitStorage(db, logger),
		output:    NewOutputStorage(db, logger),
		log:       NewLogStorage(db, logger),
		logger:    logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// TaskStorage returns the Task storage interface
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.task
}

// RateLimitStorage returns the RateLimit storage interface
func (m *Manager) RateLimitStorage() interfaces.RateLimitStorage {
	return m.rateLimit
}

// OutputStorage returns the Output storage interface
func (m *Manager) OutputStorage() interfaces.OutputStorage {
	return m.output
}

// LogStorage returns the Log storage interface
func (m *Manager) LogStorage() interfaces.LogStorage {
	return m.log
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
