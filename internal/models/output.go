package models

import "time"

// OutputRecord is one stored generation payload. Task.OutputRef and
// Job.CourseRef point at these by Ref.
type OutputRecord struct {
	Ref    string `json:"ref" badgerhold:"key"`
	JobID  string `json:"job_id" badgerhold:"index"`
	TaskID string `json:"task_id,omitempty"`

	// Content is the validated provider output, a JSON document for
	// structured task types
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
