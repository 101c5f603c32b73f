package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/app"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/models"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := common.DefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.LLM.Provider = "offline"
	cfg.Engine.Workers = 4
	cfg.Engine.RequestsPerSecond = 200
	cfg.Retry.BaseDelay = "10ms"
	cfg.Retry.MaxDelay = "50ms"
	require.NoError(t, cfg.Validate())

	application, err := app.New(context.Background(), cfg, arbor.NewLogger())
	require.NoError(t, err)

	srv := New(application)
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(func() {
		ts.Close()
		application.Close()
	})
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func waitForJobStatus(t *testing.T, baseURL, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/api/jobs/%s", baseURL, jobID))
		require.NoError(t, err)
		var job models.Job
		decodeBody(t, resp, &job)
		if job.Status == want {
			return &job
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

func TestSubmitJobAndFetchResults(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/jobs", map[string]interface{}{
		"user_id": "user_http",
		"name":    "Intro course",
		"request": map[string]interface{}{"topic": "networking"},
		"tasks": []map[string]interface{}{
			{"type": models.TaskTypeLessonSection, "name": "Section 1", "priority": 1},
			{"type": models.TaskTypeLessonAssessment, "name": "Assessment 1", "depends_on": []int{0}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job models.Job
	decodeBody(t, resp, &job)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, 2, job.TotalTasks)

	done := waitForJobStatus(t, ts.URL, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 2, done.CompletedTasks)
	assert.NotEmpty(t, done.CourseRef)

	// Task listing
	resp, err := http.Get(fmt.Sprintf("%s/api/jobs/%s/tasks", ts.URL, job.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var taskList struct {
		Tasks []models.Task `json:"tasks"`
	}
	decodeBody(t, resp, &taskList)
	require.Len(t, taskList.Tasks, 2)
	for _, task := range taskList.Tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		assert.NotEmpty(t, task.OutputRef)
	}

	// Analytics
	resp, err = http.Get(fmt.Sprintf("%s/api/jobs/%s/analytics", ts.URL, job.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap models.AnalyticsSnapshot
	decodeBody(t, resp, &snap)
	assert.Equal(t, 2, snap.CompletedTasks)
	assert.InDelta(t, 100.0, snap.SuccessRate, 0.001)

	// Health
	resp, err = http.Get(fmt.Sprintf("%s/api/jobs/%s/health", ts.URL, job.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// CSV export carries an attachment disposition
	resp, err = http.Get(fmt.Sprintf("%s/api/jobs/%s/export?format=csv", ts.URL, job.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	resp.Body.Close()

	// Listing filters by user
	resp, err = http.Get(ts.URL + "/api/jobs?user_id=user_http")
	require.NoError(t, err)
	var listing struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	decodeBody(t, resp, &listing)
	assert.Equal(t, 1, listing.Total)
}

func TestSubmitJob_ValidationError(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/jobs", map[string]interface{}{
		"user_id": "user_http",
		"name":    "No tasks",
		"tasks":   []map[string]interface{}{},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobLookup_NotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/jobs/job_missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/jobs/job_missing/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/jobs/job_x/unknown-action")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSystemEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/version")
	require.NoError(t, err)
	var version map[string]string
	decodeBody(t, resp, &version)
	assert.NotEmpty(t, version["version"])

	resp, err = http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	var health map[string]interface{}
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health["status"])
}

func TestTaskRetry_ViaHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/jobs", map[string]interface{}{
		"user_id": "user_http",
		"name":    "Single section",
		"tasks": []map[string]interface{}{
			{"type": models.TaskTypeLessonSection, "name": "Only section"},
		},
	})
	var job models.Job
	decodeBody(t, resp, &job)
	waitForJobStatus(t, ts.URL, job.ID, models.JobStatusCompleted)

	resp, err := http.Get(fmt.Sprintf("%s/api/jobs/%s/tasks", ts.URL, job.ID))
	require.NoError(t, err)
	var taskList struct {
		Tasks []models.Task `json:"tasks"`
	}
	decodeBody(t, resp, &taskList)
	require.Len(t, taskList.Tasks, 1)

	// Retrying a completed task is an idempotent no-op
	resp = postJSON(t, fmt.Sprintf("%s/api/tasks/%s/retry", ts.URL, taskList.Tasks[0].ID), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// An unknown task id is a 404
	resp = postJSON(t, ts.URL+"/api/tasks/task_missing/retry", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
