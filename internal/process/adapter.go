// internal/process/adapter.go
package process

import (
	"time"

	"github.com/tendant/simple-ocr/pkg/schema"
)

// JobStatus represents the lifecycle state of an OCR job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job captures the metadata tracked for one pipeline run.
type Job struct {
	ID        string
	Original  string
	Status    JobStatus
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

func NewJob(id, original string) *Job {
	return &Job{
		ID:       id,
		Original: original,
		Status:   JobStatusPending,
	}
}

func MarkProcessing(j *Job) {
	j.Status = JobStatusProcessing
	j.StartedAt = time.Now()
	j.EndedAt = time.Time{}
	j.Error = ""
}

func MarkCompleted(j *Job) {
	j.Status = JobStatusCompleted
	j.EndedAt = time.Now()
}

func MarkFailed(j *Job, err error) {
	j.Status = JobStatusFailed
	j.EndedAt = time.Now()
	if err != nil {
		j.Error = err.Error()
	}
}

// Elapsed is the run duration, measured up to now for a running job.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.EndedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.EndedAt.Sub(j.StartedAt)
}

// StatusFromDocument maps the status field of a stored result document.
func StatusFromDocument(docStatus string) JobStatus {
	switch docStatus {
	case schema.StatusSuccess:
		return JobStatusCompleted
	case schema.StatusError:
		return JobStatusFailed
	default:
		return JobStatusPending
	}
}
