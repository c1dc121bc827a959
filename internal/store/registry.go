package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/internal/process"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// Registry answers job listing and status queries. The filesystem stays the
// source of truth: every query lists the storage root and stats each job, and
// a cached summary is reused only while the job directory, its original and
// its result document are unchanged. Changes made by other processes or by
// hand are therefore visible on the next query. Runs in flight in this
// process are overlaid as the processing status.
type Registry struct {
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[string]cachedJob
	running map[string]int
}

type cachedJob struct {
	stamp jobStamp
	entry jobEntry
	// ok is false for a directory without a usable original
	ok bool
}

func NewRegistry(s *Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   s,
		logger:  logger,
		cache:   make(map[string]cachedJob),
		running: make(map[string]int),
	}
}

// MarkRunning flags a job as processing until the returned func is called.
func (r *Registry) MarkRunning(jobID string) (done func()) {
	r.mu.Lock()
	r.running[jobID]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.running[jobID] <= 1 {
				delete(r.running, jobID)
			} else {
				r.running[jobID]--
			}
			r.mu.Unlock()
		})
	}
}

// List returns every job in the store, most recently created first.
func (r *Registry) List(ctx context.Context) ([]schema.JobSummary, error) {
	ids, err := r.store.jobIDs(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]jobEntry, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, "list jobs", err)
		}
		seen[id] = struct{}{}
		entry, ok, err := r.lookup(id)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}

	r.mu.Lock()
	for id := range r.cache {
		if _, ok := seen[id]; !ok {
			delete(r.cache, id)
		}
	}
	for i := range entries {
		if r.running[entries[i].summary.ID] > 0 {
			entries[i].summary.Status = string(process.JobStatusProcessing)
		}
	}
	r.mu.Unlock()
	return summaries(entries), nil
}

// Status reports the current status of a job. ok is false when the job does
// not exist or has no usable original.
func (r *Registry) Status(jobID string) (status process.JobStatus, ok bool) {
	entry, ok, err := r.lookup(jobID)
	if err != nil {
		r.logger.Warn("job status", "job_id", jobID, "err", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[jobID] > 0 {
		return process.JobStatusProcessing, true
	}
	return process.JobStatus(entry.summary.Status), true
}

// lookup returns the summary of one job, rescanning its directory when the
// cached stamp no longer matches.
func (r *Registry) lookup(jobID string) (jobEntry, bool, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return jobEntry{}, false, nil
	}
	r.mu.Lock()
	cached, hit := r.cache[jobID]
	r.mu.Unlock()

	// stamped before scanning so a change racing the scan forces a rescan
	// on the next query
	st, exists, err := r.store.stampJob(jobID, cached.entry.original)
	if err != nil {
		return jobEntry{}, false, err
	}
	if !exists {
		r.forget(jobID)
		return jobEntry{}, false, nil
	}
	if hit && cached.stamp.same(st) {
		return cached.entry, cached.ok, nil
	}

	entry, ok, err := r.store.scanJob(jobID)
	if apperr.Is(err, apperr.KindNotFound) {
		r.forget(jobID)
		return jobEntry{}, false, nil
	}
	if err != nil {
		return jobEntry{}, false, err
	}
	r.mu.Lock()
	r.cache[jobID] = cachedJob{stamp: st, entry: entry, ok: ok}
	r.mu.Unlock()
	return entry, ok, nil
}

func (r *Registry) forget(jobID string) {
	r.mu.Lock()
	delete(r.cache, jobID)
	r.mu.Unlock()
}
