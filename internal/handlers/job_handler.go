// -----------------------------------------------------------------------
// Job handlers - submission, queries, exports and job-level recovery
// actions
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/orchestrator"
)

// JobHandler handles HTTP requests for job management
type JobHandler struct {
	service *orchestrator.Service
	logger  arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(service *orchestrator.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		service: service,
		logger:  logger,
	}
}

// SubmitJobHandler handles POST /api/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := h.service.SubmitJob(r.Context(), &req)
	if err != nil {
		var rateErr *orchestrator.RateLimitError
		if errors.As(err, &rateErr) {
			if rateErr.Decision.RetryAfter > 0 {
				seconds := int(math.Ceil(rateErr.Decision.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			}
			WriteError(w, http.StatusTooManyRequests, rateErr.Error())
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, job)
}

// ListJobsHandler handles GET /api/jobs
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit, offset := GetPaginationParams(r)
	opts := &interfaces.JobListOptions{
		UserID: r.URL.Query().Get("user_id"),
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	}

	jobs, total, err := h.service.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Job listing failed")
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.service.GetJobStatus(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListTasksHandler handles GET /api/jobs/{id}/tasks
func (h *JobHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	tasks, err := h.service.ListTasks(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"tasks":  tasks,
	})
}

// GetErrorsHandler handles GET /api/jobs/{id}/errors
func (h *JobHandler) GetErrorsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	failed, err := h.service.GetErrors(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"errors": failed,
	})
}

// GetAnalyticsHandler handles GET /api/jobs/{id}/analytics
func (h *JobHandler) GetAnalyticsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	snap, err := h.service.GetAnalytics(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// GetHealthHandler handles GET /api/jobs/{id}/health
func (h *JobHandler) GetHealthHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	health, err := h.service.GetHealth(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, health)
}

// GetLogsHandler handles GET /api/jobs/{id}/logs
func (h *JobHandler) GetLogsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	limit, offset := GetPaginationParams(r)
	logs, err := h.service.GetLogs(r.Context(), jobID, r.URL.Query().Get("level"), limit, offset)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"logs":   logs,
		"count":  len(logs),
	})
}

// ExportHandler handles GET /api/jobs/{id}/export?format=json|csv|pdf
func (h *JobHandler) ExportHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	report, err := h.service.ExportReport(r.Context(), jobID, format)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename))
	w.WriteHeader(http.StatusOK)
	w.Write(report.Data)
}

// PauseJobHandler handles POST /api/jobs/{id}/pause
func (h *JobHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.service.PauseJob(r.Context(), jobID); err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteSuccess(w, "job paused")
}

// ResumeJobHandler handles POST /api/jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.service.ResumeJob(r.Context(), jobID); err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteSuccess(w, "job resumed")
}

// RecoverJobHandler handles POST /api/jobs/{id}/recover
func (h *JobHandler) RecoverJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	summary, err := h.service.SmartRecover(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.service.CancelJob(r.Context(), jobID); err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	WriteSuccess(w, "job cancelled")
}

func (h *JobHandler) writeLookupError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, interfaces.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job request failed")
	WriteError(w, http.StatusInternalServerError, err.Error())
}
