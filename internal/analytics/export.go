package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/models"
)

// Export formats accepted by ExportReport
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatPDF  = "pdf"
)

// Report is a rendered job report ready to serve
type Report struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportReport renders the job's analytics and task breakdown in the
// requested format
func (s *Service) ExportReport(ctx context.Context, jobID, format string) (*Report, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.storage.TaskStorage().ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON:
		return s.exportJSON(job, snap, tasks)
	case FormatCSV:
		return s.exportCSV(job, tasks)
	case FormatPDF:
		return s.exportPDF(job, snap, tasks)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

type jsonReport struct {
	Job      *models.Job               `json:"job"`
	Snapshot *models.AnalyticsSnapshot `json:"analytics"`
	Tasks    []*models.Task            `json:"tasks"`
}

func (s *Service) exportJSON(job *models.Job, snap *models.AnalyticsSnapshot, tasks []*models.Task) (*Report, error) {
	data, err := json.MarshalIndent(&jsonReport{Job: job, Snapshot: snap, Tasks: tasks}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return &Report{
		Filename:    reportFilename(job.ID, "json"),
		ContentType: "application/json",
		Data:        data,
	}, nil
}

func (s *Service) exportCSV(job *models.Job, tasks []*models.Task) (*Report, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"task_id", "name", "type", "status", "retry_count", "error_category", "duration_ms", "output_ref", "error"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, task := range tasks {
		row := []string{
			task.ID,
			task.Name,
			task.Type,
			string(task.Status),
			strconv.Itoa(task.RetryCount),
			string(task.ErrorCategory),
			strconv.FormatInt(task.ActualDuration.Milliseconds(), 10),
			task.OutputRef,
			task.Error,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}

	return &Report{
		Filename:    reportFilename(job.ID, "csv"),
		ContentType: "text/csv",
		Data:        buf.Bytes(),
	}, nil
}

func (s *Service) exportPDF(job *models.Job, snap *models.AnalyticsSnapshot, tasks []*models.Task) (*Report, error) {
	markdown := buildReportMarkdown(job, snap, tasks)
	data, err := s.ConvertMarkdownToPDF(markdown, job.Name)
	if err != nil {
		return nil, err
	}
	return &Report{
		Filename:    reportFilename(job.ID, "pdf"),
		ContentType: "application/pdf",
		Data:        data,
	}, nil
}

// reportFilename builds the download name from the short job id
func reportFilename(jobID, ext string) string {
	return fmt.Sprintf("report_%s.%s", common.ShortID(jobID), ext)
}

// buildReportMarkdown assembles the report document rendered into the PDF
func buildReportMarkdown(job *models.Job, snap *models.AnalyticsSnapshot, tasks []*models.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", job.Name)
	fmt.Fprintf(&b, "Job %s for user %s, submitted %s.\n\n",
		job.ID, job.UserID, job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Status: %s. Progress: %.0f%%.\n\n", job.Status, job.ProgressPercentage())
	if job.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n\n", job.Error)
	}

	b.WriteString("## Execution summary\n\n")
	fmt.Fprintf(&b, "- Tasks: %d total, %d completed, %d failed, %d skipped\n",
		snap.TotalTasks, snap.CompletedTasks, snap.FailedTasks, snap.SkippedTasks)
	fmt.Fprintf(&b, "- API calls: %d made, %d failed\n", snap.APICallsMade, snap.APICallsFailed)
	fmt.Fprintf(&b, "- Tokens consumed: %d\n", snap.TokensConsumed)
	fmt.Fprintf(&b, "- Estimated cost: $%.4f\n", snap.EstimatedCost)
	fmt.Fprintf(&b, "- Success rate: %.1f%%\n", snap.SuccessRate)
	fmt.Fprintf(&b, "- Total task time: %s (avg %s)\n\n",
		snap.TotalDuration.Round(time.Millisecond), snap.AvgTaskDuration.Round(time.Millisecond))

	b.WriteString("## Task breakdown\n\n")
	b.WriteString("| Task | Type | Status | Retries | Error |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, task := range tasks {
		errMsg := task.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %s |\n",
			task.Name, task.Type, task.Status, task.RetryCount, sanitizeCell(errMsg))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Generated %s.\n", snap.GeneratedAt.Format(time.RFC3339))
	return b.String()
}

// sanitizeCell keeps error text from breaking the markdown table
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "/")
	return strings.ReplaceAll(s, "\n", " ")
}
