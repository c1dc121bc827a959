// Package jobs implements the create, list, delete and reprocess operations
// on top of the artifact store, the job index and the pipeline.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/internal/pipeline"
	"github.com/tendant/simple-ocr/internal/process"
	"github.com/tendant/simple-ocr/internal/store"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// Runner executes the pipeline for a stored original.
type Runner interface {
	Run(ctx context.Context, jobID string, original store.Artifact) pipeline.JobResult
}

// Notifier announces finished runs to other systems.
type Notifier interface {
	Notify(ctx context.Context, done schema.JobDone) error
}

type Service struct {
	store     *store.Store
	registry  *store.Registry
	runner    Runner
	publisher pipeline.Publisher
	notifier  Notifier
	logger    *slog.Logger
	locks     *keyedMutex

	notifyTimeout time.Duration
}

type Option func(*Service)

func WithPublisher(p pipeline.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithNotifier enables job-done notifications. A nil notifier disables them.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(st *store.Store, registry *store.Registry, runner Runner, opts ...Option) *Service {
	s := &Service{
		store:         st,
		registry:      registry,
		runner:        runner,
		logger:        slog.Default(),
		locks:         newKeyedMutex(),
		notifyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores an upload as a new job and runs the pipeline on it. The
// returned error is set only when the job could not be created; pipeline
// failures are reported through the result.
func (s *Service) Create(ctx context.Context, filename string, data []byte) (pipeline.JobResult, error) {
	const op = "create job"
	name, err := store.ValidateFilename(filename)
	if err != nil {
		return pipeline.JobResult{}, err
	}
	if len(data) == 0 {
		return pipeline.JobResult{}, apperr.Validation(op, "file %q is empty", name)
	}

	jobID, err := s.store.CreateJob()
	if err != nil {
		return pipeline.JobResult{}, err
	}
	original, err := s.store.SaveOriginal(jobID, name, data)
	if err != nil {
		if derr := s.store.DeleteJob(jobID); derr != nil {
			s.logger.Warn("remove incomplete job", "job_id", jobID, "err", derr)
		}
		return pipeline.JobResult{}, err
	}
	s.logger.Info("upload stored", "job_id", jobID, "filename", name, "bytes", len(data))
	s.publish(fmt.Sprintf("File uploaded successfully: %s (%.2f KB)", name, float64(len(data))/1024), schema.SourceBackend)

	return s.run(ctx, jobID, original), nil
}

// Reprocess reruns the pipeline on the stored original of an existing job.
func (s *Service) Reprocess(ctx context.Context, jobID string) (pipeline.JobResult, error) {
	original, err := s.store.LocateOriginal(jobID)
	if err != nil {
		return pipeline.JobResult{}, err
	}
	s.publish(fmt.Sprintf("Reprocessing job %s (%s)", jobID, original.Name), schema.SourceBackend)
	return s.run(ctx, jobID, original), nil
}

// List returns every stored job, most recently created first.
func (s *Service) List(ctx context.Context) ([]schema.JobSummary, error) {
	return s.registry.List(ctx)
}

// Delete removes a job and all its artifacts. Jobs with a run in flight are
// refused.
func (s *Service) Delete(_ context.Context, jobID string) error {
	if status, ok := s.registry.Status(jobID); ok && status == process.JobStatusProcessing {
		return apperr.Validation("delete job", "job %s is being processed", jobID)
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	if err := s.store.DeleteJob(jobID); err != nil {
		return err
	}
	s.logger.Info("job deleted", "job_id", jobID)
	s.publish("Deleted job "+jobID, schema.SourceBackend)
	return nil
}

// run serializes runs of the same job; runs of distinct jobs proceed
// concurrently.
func (s *Service) run(ctx context.Context, jobID string, original store.Artifact) pipeline.JobResult {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	done := s.registry.MarkRunning(jobID)
	res := s.runner.Run(ctx, jobID, original)
	done()

	s.notify(res)
	return res
}

func (s *Service) notify(res pipeline.JobResult) {
	if s.notifier == nil {
		return
	}
	// the request context may already be gone; notifications are bounded on
	// their own
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, res.Done()); err != nil {
		s.logger.Error("publish job done failed", "job_id", res.JobID, "err", err)
	}
}

func (s *Service) publish(message string, source schema.LogSource) {
	if s.publisher != nil {
		s.publisher.Publish(message, source)
	}
}
