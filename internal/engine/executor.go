// -----------------------------------------------------------------------
// Execution engine - runs one task attempt against the content
// generator. Bounded timeout, system-wide worker slots, outbound
// pacing. Retry policy lives in the recovery manager, not here.
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/generation"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"golang.org/x/time/rate"
)

// Executor implements the TaskExecutor interface. One Execute call is one
// generation attempt: render prompt, wait for a worker slot and pacing
// token, call the provider with a bounded timeout, validate the output,
// persist the payload, append one log entry.
type Executor struct {
	generator interfaces.ContentGenerator
	templates *generation.TemplateStore
	validator *OutputValidator
	outputs   interfaces.OutputStorage
	logs      interfaces.LogStorage

	slots   chan struct{}
	pacer   *rate.Limiter
	timeout time.Duration
	logger  arbor.ILogger
}

// NewExecutor creates the execution engine
func NewExecutor(
	generator interfaces.ContentGenerator,
	templates *generation.TemplateStore,
	outputs interfaces.OutputStorage,
	logs interfaces.LogStorage,
	config *common.EngineConfig,
	logger arbor.ILogger,
) interfaces.TaskExecutor {
	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}

	return &Executor{
		generator: generator,
		templates: templates,
		validator: NewOutputValidator(),
		outputs:   outputs,
		logs:      logs,
		slots:     make(chan struct{}, workers),
		pacer:     rate.NewLimiter(rate.Limit(rps), rps),
		timeout:   common.MustDuration(config.RequestTimeout),
		logger:    logger,
	}
}

// Execute runs a single attempt for the task. The result carries either
// an output reference, validation violations, or a transport error -
// classification into severity and category is the recovery manager's
// job.
func (e *Executor) Execute(ctx context.Context, job *models.Job, task *models.Task) *interfaces.ExecutionResult {
	start := time.Now()
	log := e.logger.WithCorrelationId(job.ID)

	result := e.attempt(ctx, job, task, log)
	result.Duration = time.Since(start).Milliseconds()

	e.appendAttemptLog(ctx, job, task, result)
	return result
}

func (e *Executor) attempt(ctx context.Context, job *models.Job, task *models.Task, log arbor.ILogger) *interfaces.ExecutionResult {
	system, prompt, err := e.templates.Render(task.Type, task.Name, task.Input, job.Request)
	if err != nil {
		return &interfaces.ExecutionResult{Err: fmt.Errorf("prompt render failed: %w", err)}
	}

	// Worker slot bounds system-wide concurrent external calls
	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return &interfaces.ExecutionResult{Err: ctx.Err()}
	}

	if err := e.pacer.Wait(ctx); err != nil {
		return &interfaces.ExecutionResult{Err: err}
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	log.Debug().
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Str("provider", e.generator.Name()).
		Msg("Dispatching generation request")

	genResult, err := e.generator.Generate(callCtx, &interfaces.GenerationRequest{
		TaskType:   task.Type,
		TaskID:     task.ID,
		JobID:      job.ID,
		System:     system,
		Prompt:     prompt,
		Input:      task.Input,
		JobContext: job.Request,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("task_id", task.ID).
			Msg("Generation attempt failed")
		return &interfaces.ExecutionResult{Err: err}
	}

	if violations := e.validator.Validate(task.Type, genResult.Content); len(violations) > 0 {
		log.Warn().
			Str("task_id", task.ID).
			Int("violations", len(violations)).
			Msg("Generated output failed structural validation")
		return &interfaces.ExecutionResult{
			ValidationErrors: violations,
			InputTokens:      genResult.InputTokens,
			OutputTokens:     genResult.OutputTokens,
		}
	}

	ref := common.NewOutputID()
	record := &models.OutputRecord{
		Ref:       ref,
		JobID:     job.ID,
		TaskID:    task.ID,
		Content:   genResult.Content,
		Model:     genResult.Model,
		CreatedAt: time.Now(),
	}
	if err := e.outputs.SaveOutput(ctx, record); err != nil {
		return &interfaces.ExecutionResult{Err: fmt.Errorf("failed to persist output: %w", err)}
	}

	log.Debug().
		Str("task_id", task.ID).
		Str("output_ref", ref).
		Msg("Generation attempt succeeded")

	return &interfaces.ExecutionResult{
		Success:      true,
		OutputRef:    ref,
		InputTokens:  genResult.InputTokens,
		OutputTokens: genResult.OutputTokens,
	}
}

// appendAttemptLog writes exactly one log entry per attempt
func (e *Executor) appendAttemptLog(ctx context.Context, job *models.Job, task *models.Task, result *interfaces.ExecutionResult) {
	entry := models.NewLogEntry(job.ID, task.ID, "info", "generation attempt succeeded", map[string]interface{}{
		"attempt":       task.AttemptCount(),
		"duration_ms":   result.Duration,
		"input_tokens":  result.InputTokens,
		"output_tokens": result.OutputTokens,
		"provider":      e.generator.Name(),
	})

	switch {
	case result.Success:
		entry.Payload["output_ref"] = result.OutputRef
	case len(result.ValidationErrors) > 0:
		entry.Level = "warn"
		entry.Message = "generation output failed validation"
		entry.Payload["validation_errors"] = result.ValidationErrors
	default:
		entry.Level = "error"
		entry.Message = "generation attempt failed"
		if result.Err != nil {
			entry.Payload["error"] = result.Err.Error()
		}
	}

	if err := e.logs.AppendLog(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to append attempt log")
	}
}
