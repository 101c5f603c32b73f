package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"github.com/ternarybob/cursus/internal/orchestrator"
)

// TaskHandler handles HTTP requests for task-level recovery actions and
// graph expansion
type TaskHandler struct {
	service *orchestrator.Service
	logger  arbor.ILogger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(service *orchestrator.Service, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger,
	}
}

// RetryTaskHandler handles POST /api/tasks/{id}/retry
func (h *TaskHandler) RetryTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := h.service.RetryTask(r.Context(), taskID); err != nil {
		h.writeTaskError(w, taskID, err)
		return
	}
	WriteSuccess(w, "task requeued")
}

// SkipTaskHandler handles POST /api/tasks/{id}/skip
func (h *TaskHandler) SkipTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := h.service.SkipTask(r.Context(), taskID); err != nil {
		h.writeTaskError(w, taskID, err)
		return
	}
	WriteSuccess(w, "task skipped")
}

// ExpandTaskHandler handles POST /api/tasks/{id}/expand
func (h *TaskHandler) ExpandTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	var spec models.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	task, err := h.service.ExpandTask(r.Context(), taskID, spec)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "task not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, task)
}

func (h *TaskHandler) writeTaskError(w http.ResponseWriter, taskID string, err error) {
	if errors.Is(err, interfaces.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	h.logger.Warn().Err(err).Str("task_id", taskID).Msg("Task action failed")
	WriteError(w, http.StatusBadRequest, err.Error())
}
