// Package pipeline drives a job through normalize, clean, recognize and
// annotate. Every stage failure is converted into a reported JobResult and a
// persisted error document; Run never returns an error or panics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/internal/converters"
	"github.com/tendant/simple-ocr/internal/img"
	"github.com/tendant/simple-ocr/internal/process"
	"github.com/tendant/simple-ocr/internal/recognize"
	"github.com/tendant/simple-ocr/internal/store"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// Publisher receives progress events for live observers.
type Publisher interface {
	Publish(message string, source schema.LogSource)
}

// ArtifactWriter persists the artifacts a run produces.
type ArtifactWriter interface {
	SaveDerived(jobID string, role store.Role, data []byte) (store.Artifact, error)
	SaveResult(jobID string, doc any) error
}

// Cleaner binarizes encoded image bytes.
type Cleaner interface {
	Clean(ctx context.Context, data []byte) (image.Image, error)
}

// SpellChecker returns the distinct tokens it does not recognise.
type SpellChecker interface {
	Unknown(tokens []string) []string
}

// Observer receives run bookkeeping, typically for metrics.
type Observer interface {
	StageFinished(stage schema.ProcessingStage, outcome string, d time.Duration)
	JobFinished(status process.JobStatus, degraded bool, d time.Duration)
}

// Collaborators are the external components a run calls into. Rasterizer and
// Spell may be nil: PDFs then fail to convert and no typos are flagged.
type Collaborators struct {
	Rasterizer converters.Rasterizer
	Cleaner    Cleaner
	Recognizer recognize.Recognizer
	Spell      SpellChecker
}

type noopObserver struct{}

func (noopObserver) StageFinished(schema.ProcessingStage, string, time.Duration) {}
func (noopObserver) JobFinished(process.JobStatus, bool, time.Duration)          {}

type noopPublisher struct{}

func (noopPublisher) Publish(string, schema.LogSource) {}

// Orchestrator runs pipelines. It holds no per-job state and may run any
// number of jobs concurrently.
type Orchestrator struct {
	artifacts    ArtifactWriter
	collab       Collaborators
	publisher    Publisher
	observer     Observer
	logger       *slog.Logger
	stageTimeout time.Duration
	dpi          int
	now          func() time.Time
}

type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStageTimeout bounds every stage. Zero disables the bound.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stageTimeout = d }
}

// WithDPI sets the rasterization resolution for paginated originals.
func WithDPI(dpi int) Option {
	return func(o *Orchestrator) {
		if dpi > 0 {
			o.dpi = dpi
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(artifacts ArtifactWriter, collab Collaborators, opts ...Option) *Orchestrator {
	if collab.Cleaner == nil {
		collab.Cleaner = img.NewCleaner()
	}
	if collab.Recognizer == nil {
		collab.Recognizer = recognize.Unavailable{}
	}
	o := &Orchestrator{
		artifacts:    artifacts,
		collab:       collab,
		publisher:    noopPublisher{},
		observer:     noopObserver{},
		logger:       slog.Default(),
		stageTimeout: 2 * time.Minute,
		dpi:          converters.DefaultDPI,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// JobResult is the reported outcome of one run.
type JobResult struct {
	JobID    string
	Status   process.JobStatus
	Original store.Artifact
	// Document is set when Status is Completed.
	Document schema.ResultDocument
	// Failure is set when Status is Failed.
	Failure   *schema.ErrorDocument
	Err       error
	Degraded  bool
	Elapsed   time.Duration
	Lifecycle []schema.StageEvent
}

// Response is the client-facing body of the result.
func (r JobResult) Response() any {
	if r.Failure != nil {
		return *r.Failure
	}
	return r.Document
}

// Done builds the job-done notification payload.
func (r JobResult) Done() schema.JobDone {
	done := schema.JobDone{
		ID:               r.JobID,
		Status:           string(r.Status),
		OriginalFile:     r.Original.Name,
		CleanImage:       r.Document.CleanImage,
		Characters:       len([]rune(r.Document.Text)),
		Lines:            len(r.Document.Layout.TextLines),
		Typos:            len(r.Document.Typos),
		Degraded:         r.Degraded,
		ProcessingTimeMs: r.Elapsed.Milliseconds(),
		Lifecycle:        r.Lifecycle,
		HappenedAt:       time.Now().Unix(),
	}
	if r.Err != nil {
		done.Error = r.Err.Error()
		done.FailureType = classifyError(r.Err)
	}
	return done
}

// run carries the artifacts handed from stage to stage.
type run struct {
	jobID    string
	original store.Artifact
	logger   *slog.Logger
	state    *runState
	current  schema.ProcessingStage

	image       []byte
	clean       store.Artifact
	recognition recognize.Recognition
	typos       []string
	degraded    string
}

// Run executes all stages for a job whose original has already been stored.
// Rerunning a job overwrites its derived artifacts and result document.
func (o *Orchestrator) Run(ctx context.Context, jobID string, original store.Artifact) (res JobResult) {
	job := process.NewJob(jobID, original.Name)
	process.MarkProcessing(job)
	r := &run{
		jobID:    jobID,
		original: original,
		logger:   o.logger.With("job_id", jobID, "original", original.Name),
		state:    &runState{jobID: jobID, startTime: job.StartedAt, now: o.now},
		current:  schema.StageNormalize,
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("pipeline panicked", "panic", p)
			res = o.fail(job, r, r.current, apperr.Newf(apperr.KindInternal, "run pipeline", "unexpected panic: %v", p))
		}
	}()

	r.logger.Info("pipeline started")
	o.publisher.Publish(fmt.Sprintf("Starting OCR processing for %s (job %s)", original.Name, jobID), schema.SourceBackend)

	stages := []struct {
		name schema.ProcessingStage
		fn   func(context.Context, *run) stageResult
	}{
		{schema.StageNormalize, o.normalize},
		{schema.StageClean, o.clean},
		{schema.StageRecognize, o.recognize},
		{schema.StageAnnotate, o.annotate},
	}
	for _, st := range stages {
		result := o.runStage(ctx, r, st.name, st.fn)
		if result.outcome == OutcomeFailed {
			return o.fail(job, r, st.name, result.err)
		}
	}
	return o.complete(job, r)
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, name schema.ProcessingStage, fn func(context.Context, *run) stageResult) stageResult {
	if err := ctx.Err(); err != nil {
		return failed(apperr.Wrap(apperr.KindTimeout, string(name), err))
	}
	stageCtx := ctx
	if o.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.stageTimeout)
		defer cancel()
	}

	r.current = name
	start := o.now()
	r.logger.Debug("stage started", "stage", name)
	result := fn(stageCtx, r)
	elapsed := o.now().Sub(start)
	if result.outcome == OutcomeFailed && stageCtx.Err() != nil && !apperr.Is(result.err, apperr.KindTimeout) {
		// a collaborator killed by the deadline reports its own failure
		result.err = apperr.Wrap(apperr.KindTimeout, string(name), fmt.Errorf("%w: %v", stageCtx.Err(), result.err))
	}

	o.observer.StageFinished(name, string(result.outcome), elapsed)
	r.state.addLifecycleEvent(name, result.outcome, result.err)
	switch result.outcome {
	case OutcomeFailed:
		r.logger.Error("stage failed", "stage", name, "kind", apperr.KindOf(result.err), "err", result.err, "elapsed", elapsed)
	case OutcomeDegraded:
		r.logger.Warn("stage degraded", "stage", name, "reason", result.reason, "elapsed", elapsed)
	default:
		r.logger.Debug("stage finished", "stage", name, "elapsed", elapsed)
	}
	return result
}

func (o *Orchestrator) normalize(ctx context.Context, r *run) stageResult {
	head, err := sniff(r.original.Path)
	if err != nil {
		return failed(apperr.Storage("read original", err))
	}
	mimeType := img.DetectMime(head, r.original.Name)
	normalizer := img.GetNormalizer(mimeType, o.collab.Rasterizer, o.dpi)
	r.logger.Debug("normalizing original", "mime_type", mimeType, "normalizer", normalizer.Name())

	data, rasterized, err := normalizer.Normalize(ctx, r.original.Path)
	if err != nil {
		if converters.IsPaginated(mimeType) {
			return failed(apperr.Wrap(apperr.KindConversion, "rasterize first page", err))
		}
		return failed(apperr.Storage("read original", err))
	}
	if rasterized {
		if _, err := o.artifacts.SaveDerived(r.jobID, store.RolePage, data); err != nil {
			return failed(err)
		}
		o.publisher.Publish(fmt.Sprintf("Converted first page of %s at %d DPI", r.original.Name, o.dpi), schema.SourceBackend)
	}
	r.image = data
	return succeeded()
}

// sniff returns the leading bytes used for content type detection.
func sniff(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (o *Orchestrator) clean(ctx context.Context, r *run) stageResult {
	cleaned, err := o.collab.Cleaner.Clean(ctx, r.image)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.Wrap(apperr.KindRead, "decode image", err)
		}
		return failed(err)
	}
	b := cleaned.Bounds()
	o.publisher.Publish(fmt.Sprintf("Image loaded: %dx%d", b.Dx(), b.Dy()), schema.SourceBackend)

	encoded, err := img.EncodePNG(cleaned)
	if err != nil {
		return failed(apperr.Wrap(apperr.KindInternal, "encode cleaned image", err))
	}
	r.clean, err = o.artifacts.SaveDerived(r.jobID, store.RoleClean, encoded)
	if err != nil {
		return failed(err)
	}
	r.image = nil
	o.publisher.Publish("Image cleaned and saved to: "+r.clean.Public, schema.SourceBackend)
	return succeeded()
}

func (o *Orchestrator) recognize(ctx context.Context, r *run) stageResult {
	rec, err := o.collab.Recognizer.Recognize(ctx, r.clean.Path)
	switch {
	case err == nil:
	case apperr.Is(err, apperr.KindRecognitionUnavailable):
		r.recognition = recognize.Recognition{Lines: []schema.TextLine{}}
		r.degraded = "Text recognition unavailable: " + err.Error()
		o.publisher.Publish(r.degraded, schema.SourceBackend)
		return degraded(err.Error())
	case apperr.KindOf(err) == apperr.KindInternal:
		return failed(apperr.Wrap(apperr.KindRecognition, "recognize", err))
	default:
		return failed(err)
	}
	if rec.Lines == nil {
		rec.Lines = []schema.TextLine{}
	}
	r.recognition = rec
	o.publisher.Publish(fmt.Sprintf("OCR completed: extracted %d characters in %d lines",
		len([]rune(rec.Text)), len(rec.Lines)), schema.SourceBackend)
	return succeeded()
}

func (o *Orchestrator) annotate(_ context.Context, r *run) stageResult {
	r.typos = []string{}
	if o.collab.Spell == nil {
		return succeeded()
	}
	if typos := o.collab.Spell.Unknown(strings.Fields(r.recognition.Text)); typos != nil {
		r.typos = typos
	}
	o.publisher.Publish(fmt.Sprintf("Found %d potential typos", len(r.typos)), schema.SourceBackend)
	return succeeded()
}

func (o *Orchestrator) complete(job *process.Job, r *run) JobResult {
	doc := schema.ResultDocument{
		Status:       schema.StatusSuccess,
		JobID:        r.jobID,
		OriginalFile: r.original.Public,
		CleanImage:   r.clean.Public,
		Text:         r.recognition.Text,
		Layout:       schema.Layout{TextLines: r.recognition.Lines},
		Typos:        r.typos,
		Degraded:     r.degraded != "",
		Message:      r.degraded,
	}
	if err := o.artifacts.SaveResult(r.jobID, doc); err != nil {
		return o.fail(job, r, schema.StageCompleted, err)
	}

	process.MarkCompleted(job)
	r.state.addLifecycleEvent(schema.StageCompleted, OutcomeSuccess, nil)
	elapsed := job.Elapsed()
	o.observer.JobFinished(job.Status, doc.Degraded, elapsed)
	r.logger.Info("pipeline completed",
		"characters", len([]rune(doc.Text)), "lines", len(doc.Layout.TextLines),
		"typos", len(doc.Typos), "degraded", doc.Degraded, "elapsed", elapsed)
	o.publisher.Publish(fmt.Sprintf("Processing completed for job %s in %.2f seconds: %d characters, %d potential typos",
		r.jobID, elapsed.Seconds(), len([]rune(doc.Text)), len(doc.Typos)), schema.SourceBackend)

	return JobResult{
		JobID:     r.jobID,
		Status:    job.Status,
		Original:  r.original,
		Document:  doc,
		Degraded:  doc.Degraded,
		Elapsed:   elapsed,
		Lifecycle: r.state.lifecycle,
	}
}

// fail persists an error document so the job never stays in a completed state
// from an earlier run, and reports the failure.
func (o *Orchestrator) fail(job *process.Job, r *run, stage schema.ProcessingStage, cause error) JobResult {
	process.MarkFailed(job, cause)
	failure := &schema.ErrorDocument{
		Status:  schema.StatusError,
		JobID:   r.jobID,
		Kind:    string(apperr.KindOf(cause)),
		Message: fmt.Sprintf("%s stage failed: %v", stage, cause),
	}
	if err := o.artifacts.SaveResult(r.jobID, failure); err != nil {
		r.logger.Error("persist failure document", "err", err)
	}

	r.state.addLifecycleEvent(schema.StageFailed, OutcomeFailed, cause)
	elapsed := job.Elapsed()
	o.observer.JobFinished(job.Status, false, elapsed)
	r.logger.Error("pipeline failed", "stage", stage, "kind", failure.Kind, "err", cause, "elapsed", elapsed)
	o.publisher.Publish(fmt.Sprintf("Error processing job %s: %s", r.jobID, failure.Message), schema.SourceBackend)

	return JobResult{
		JobID:     r.jobID,
		Status:    job.Status,
		Original:  r.original,
		Failure:   failure,
		Err:       cause,
		Elapsed:   elapsed,
		Lifecycle: r.state.lifecycle,
	}
}
