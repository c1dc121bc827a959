// pkg/schema/events.go
package schema

import "time"

// LogSource tags where a log event originated.
type LogSource string

const (
	SourceBackend  LogSource = "backend"
	SourceSystem   LogSource = "system"
	SourceFrontend LogSource = "frontend"
)

// Valid reports whether s is one of the known sources.
func (s LogSource) Valid() bool {
	switch s {
	case SourceBackend, SourceSystem, SourceFrontend:
		return true
	}
	return false
}

// LogEvent is broadcast to live observers. It is never persisted.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Source    LogSource `json:"source"`
}

type ProcessingStage string

const (
	StageNormalize ProcessingStage = "normalize"
	StageClean     ProcessingStage = "clean"
	StageRecognize ProcessingStage = "recognize"
	StageAnnotate  ProcessingStage = "annotate"
	StageCompleted ProcessingStage = "completed"
	StageFailed    ProcessingStage = "failed"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

// StageEvent records one stage transition of a pipeline run.
type StageEvent struct {
	JobID           string          `json:"job_id"`
	Stage           ProcessingStage `json:"stage"`
	Outcome         string          `json:"outcome,omitempty"`
	ProcessingStart int64           `json:"processing_start,omitempty"`
	ProcessingEnd   int64           `json:"processing_end,omitempty"`
	Error           string          `json:"error,omitempty"`
	FailureType     FailureType     `json:"failure_type,omitempty"`
	HappenedAt      int64           `json:"happened_at"`
}

// JobDone is published on the job-done subject after every pipeline run.
type JobDone struct {
	ID               string       `json:"id"`
	Status           string       `json:"status"`
	OriginalFile     string       `json:"original_file"`
	CleanImage       string       `json:"clean_image,omitempty"`
	Characters       int          `json:"characters"`
	Lines            int          `json:"lines"`
	Typos            int          `json:"typos"`
	Degraded         bool         `json:"degraded,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Lifecycle        []StageEvent `json:"lifecycle,omitempty"`
	Error            string       `json:"error,omitempty"`
	FailureType      FailureType  `json:"failure_type,omitempty"`
	HappenedAt       int64        `json:"happened_at"`
}
