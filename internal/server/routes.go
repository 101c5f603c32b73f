package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)

	// Tasks
	mux.HandleFunc("/api/tasks/", s.handleTaskRoutes)

	// System
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)

	// 404 for unmatched API routes
	mux.HandleFunc("/api/", s.app.StatusHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute dispatches /api/jobs by method
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.JobHandler.SubmitJobHandler(w, r)
	case http.MethodGet:
		s.app.JobHandler.ListJobsHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes dispatches /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, action := splitResourcePath(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.JobHandler.GetJobHandler(w, r, jobID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		switch action {
		case "tasks":
			s.app.JobHandler.ListTasksHandler(w, r, jobID)
		case "errors":
			s.app.JobHandler.GetErrorsHandler(w, r, jobID)
		case "analytics":
			s.app.JobHandler.GetAnalyticsHandler(w, r, jobID)
		case "health":
			s.app.JobHandler.GetHealthHandler(w, r, jobID)
		case "logs":
			s.app.JobHandler.GetLogsHandler(w, r, jobID)
		case "export":
			s.app.JobHandler.ExportHandler(w, r, jobID)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	case http.MethodPost:
		switch action {
		case "pause":
			s.app.JobHandler.PauseJobHandler(w, r, jobID)
		case "resume":
			s.app.JobHandler.ResumeJobHandler(w, r, jobID)
		case "recover":
			s.app.JobHandler.RecoverJobHandler(w, r, jobID)
		case "cancel":
			s.app.JobHandler.CancelJobHandler(w, r, jobID)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskRoutes dispatches /api/tasks/{id}/{action}
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	taskID, action := splitResourcePath(r.URL.Path, "/api/tasks/")
	if taskID == "" || action == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "retry":
		s.app.TaskHandler.RetryTaskHandler(w, r, taskID)
	case "skip":
		s.app.TaskHandler.SkipTaskHandler(w, r, taskID)
	case "expand":
		s.app.TaskHandler.ExpandTaskHandler(w, r, taskID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// splitResourcePath splits "/api/jobs/{id}/{action}" into id and action.
// Action is empty for the bare resource path.
func splitResourcePath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
