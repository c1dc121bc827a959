package pipeline

import (
	"time"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// Outcome is the result class of one stage.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

// stageResult is threaded from one stage to the next. Only the fields the
// stage produces are set.
type stageResult struct {
	outcome Outcome
	err     error
	reason  string
}

func succeeded() stageResult { return stageResult{outcome: OutcomeSuccess} }

func degraded(reason string) stageResult {
	return stageResult{outcome: OutcomeDegraded, reason: reason}
}

func failed(err error) stageResult {
	return stageResult{outcome: OutcomeFailed, err: err}
}

// runState collects the lifecycle of one pipeline run.
type runState struct {
	jobID     string
	startTime time.Time
	lifecycle []schema.StageEvent
	now       func() time.Time
}

func (rs *runState) addLifecycleEvent(stage schema.ProcessingStage, outcome Outcome, err error) {
	now := rs.now()
	event := schema.StageEvent{
		JobID:      rs.jobID,
		Stage:      stage,
		Outcome:    string(outcome),
		HappenedAt: now.Unix(),
	}
	if stage == schema.StageCompleted || stage == schema.StageFailed {
		event.ProcessingStart = rs.startTime.UnixMilli()
		event.ProcessingEnd = now.UnixMilli()
	}
	if err != nil {
		event.Error = err.Error()
		event.FailureType = classifyError(err)
	}
	rs.lifecycle = append(rs.lifecycle, event)
}

// classifyError maps an error kind onto whether retrying the job could help.
func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindAmbiguous:
		return schema.FailureTypeValidation
	case apperr.KindRead, apperr.KindConversion:
		return schema.FailureTypePermanent
	default:
		// storage, recognition, timeouts and anything unclassified
		return schema.FailureTypeRetryable
	}
}
