package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/generation"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

type memoryOutputStorage struct {
	mu      sync.Mutex
	records map[string]*models.OutputRecord
}

func newMemoryOutputStorage() *memoryOutputStorage {
	return &memoryOutputStorage{records: make(map[string]*models.OutputRecord)}
}

func (m *memoryOutputStorage) SaveOutput(ctx context.Context, rec *models.OutputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Ref] = rec
	return nil
}

func (m *memoryOutputStorage) GetOutput(ctx context.Context, ref string) (*models.OutputRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ref]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return rec, nil
}

func (m *memoryOutputStorage) ListOutputs(ctx context.Context, jobID string) ([]*models.OutputRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.OutputRecord
	for _, rec := range m.records {
		if rec.JobID == jobID {
			result = append(result, rec)
		}
	}
	return result, nil
}

type memoryLogStorage struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (m *memoryLogStorage) AppendLog(ctx context.Context, entry models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLogStorage) GetLogs(ctx context.Context, jobID string, level string, limit, offset int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.LogEntry
	for _, entry := range m.entries {
		if entry.JobID == jobID && (level == "" || entry.Level == level) {
			result = append(result, entry)
		}
	}
	return result, nil
}

func (m *memoryLogStorage) CountLogs(ctx context.Context, jobID string) (int, error) {
	logs, _ := m.GetLogs(ctx, jobID, "", 0, 0)
	return len(logs), nil
}

// stubGenerator returns canned content or a canned error
type stubGenerator struct {
	content string
	err     error
}

func (g *stubGenerator) Name() string { return "stub" }

func (g *stubGenerator) Generate(ctx context.Context, req *interfaces.GenerationRequest) (*interfaces.GenerationResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &interfaces.GenerationResult{
		Content:      g.content,
		Model:        "stub",
		InputTokens:  10,
		OutputTokens: 20,
	}, nil
}

func newTestExecutor(t *testing.T, gen interfaces.ContentGenerator, outputs interfaces.OutputStorage, logs interfaces.LogStorage) interfaces.TaskExecutor {
	t.Helper()
	templates, err := generation.NewTemplateStore("")
	require.NoError(t, err)
	config := &common.EngineConfig{
		Workers:           2,
		RequestTimeout:    "5s",
		RequestsPerSecond: 100,
	}
	return NewExecutor(gen, templates, outputs, logs, config, arbor.NewLogger())
}

func testJobAndTask(taskType string) (*models.Job, *models.Task) {
	job := models.NewJob("user-1", "default", "Intro to Go", map[string]interface{}{"topic": "go"})
	task := models.NewTask(job.ID, taskType, "Section 1", 0)
	return job, task
}

func TestExecute_SuccessStoresOutput(t *testing.T) {
	outputs := newMemoryOutputStorage()
	logs := &memoryLogStorage{}
	executor := newTestExecutor(t, generation.NewOfflineGenerator(), outputs, logs)
	job, task := testJobAndTask(models.TaskTypeLessonSection)

	result := executor.Execute(context.Background(), job, task)

	require.True(t, result.Success)
	require.NotEmpty(t, result.OutputRef)

	rec, err := outputs.GetOutput(context.Background(), result.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, job.ID, rec.JobID)
	assert.Equal(t, task.ID, rec.TaskID)
	assert.NotEmpty(t, rec.Content)
}

func TestExecute_AppendsOneLogPerAttempt(t *testing.T) {
	outputs := newMemoryOutputStorage()
	logs := &memoryLogStorage{}
	executor := newTestExecutor(t, generation.NewOfflineGenerator(), outputs, logs)
	job, task := testJobAndTask(models.TaskTypeLessonAssessment)

	executor.Execute(context.Background(), job, task)
	executor.Execute(context.Background(), job, task)

	count, err := logs.CountLogs(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestExecute_InvalidJSONIsValidationFailure(t *testing.T) {
	outputs := newMemoryOutputStorage()
	logs := &memoryLogStorage{}
	gen := &stubGenerator{content: "this is not json"}
	executor := newTestExecutor(t, gen, outputs, logs)
	job, task := testJobAndTask(models.TaskTypeLessonSection)

	result := executor.Execute(context.Background(), job, task)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ValidationErrors)
	assert.NoError(t, result.Err)
	assert.Empty(t, result.OutputRef, "invalid output must not be stored")
}

func TestExecute_MissingFieldsAreValidationFailures(t *testing.T) {
	outputs := newMemoryOutputStorage()
	logs := &memoryLogStorage{}
	gen := &stubGenerator{content: `{"title": "only a title"}`}
	executor := newTestExecutor(t, gen, outputs, logs)
	job, task := testJobAndTask(models.TaskTypeLessonSection)

	result := executor.Execute(context.Background(), job, task)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ValidationErrors)
}

func TestExecute_QuizNeedsTwoOptions(t *testing.T) {
	outputs := newMemoryOutputStorage()
	logs := &memoryLogStorage{}
	gen := &stubGenerator{content: `{"questions": [{"text": "Q1", "options": ["only one"], "answer": 0}]}`}
	executor := newTestExecutor(t, gen, outputs, logs)
	job, task := testJobAndTask(models.TaskTypePathQuiz)

	result := executor.Execute(context.Background(), job, task)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ValidationErrors)
}

func TestExecute_ProviderErrorIsReturned(t *testing.T) {
	outputs := newMemoryOutputStorage()
	logs := &memoryLogStorage{}
	providerErr := errors.New("service unavailable")
	executor := newTestExecutor(t, &stubGenerator{err: providerErr}, outputs, logs)
	job, task := testJobAndTask(models.TaskTypeLessonSection)

	result := executor.Execute(context.Background(), job, task)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, providerErr)
	assert.Empty(t, result.ValidationErrors)
}

func TestValidate_AnswerIndexBounds(t *testing.T) {
	v := NewOutputValidator()
	violations := v.Validate(models.TaskTypePathQuiz, `{"questions": [{"text": "Q", "options": ["a", "b"], "answer": 5}]}`)
	assert.NotEmpty(t, violations)
}

func TestValidate_AcceptsWellFormedLesson(t *testing.T) {
	v := NewOutputValidator()
	violations := v.Validate(models.TaskTypeLessonSection, `{"title": "T", "body": "B"}`)
	assert.Empty(t, violations)
}
