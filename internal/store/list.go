package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/internal/process"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// UploadDateLayout formats JobSummary.UploadDate.
const UploadDateLayout = "2006-01-02 15:04:05"

type jobEntry struct {
	summary  schema.JobSummary
	created  time.Time
	original string
}

// ListJobs rescans the storage root and returns one summary per job that has
// an original, most recently created first.
func (s *Store) ListJobs(ctx context.Context) ([]schema.JobSummary, error) {
	entries, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	return summaries(entries), nil
}

func (s *Store) scanAll(ctx context.Context) ([]jobEntry, error) {
	ids, err := s.jobIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]jobEntry, 0, len(ids))
	for _, id := range ids {
		entry, ok, err := s.scanJob(id)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return nil, err
		}
		if ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// jobIDs returns the names of all job directories under the root.
func (s *Store) jobIDs(ctx context.Context) ([]string, error) {
	const op = "list jobs"
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	ids := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, op, err)
		}
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		if _, err := uuid.Parse(d.Name()); err != nil {
			continue
		}
		ids = append(ids, d.Name())
	}
	return ids, nil
}

// jobStamp captures the modification state a job summary depends on: the
// directory itself (files added, removed or renamed), the original (creation
// time) and the result document (status).
type jobStamp struct {
	dir        time.Time
	original   time.Time
	result     time.Time
	resultSize int64
}

func (a jobStamp) same(b jobStamp) bool {
	return a.dir.Equal(b.dir) && a.original.Equal(b.original) &&
		a.result.Equal(b.result) && a.resultSize == b.resultSize
}

// stampJob stats a job directory. original may be empty when the name of the
// original is not known yet. exists is false when the directory is gone.
func (s *Store) stampJob(jobID, original string) (st jobStamp, exists bool, err error) {
	dir := filepath.Join(s.root, jobID)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return jobStamp{}, false, nil
	}
	if err != nil {
		return jobStamp{}, false, apperr.Storage("stat job", err)
	}
	st.dir = info.ModTime()
	if original != "" {
		if fi, err := os.Stat(filepath.Join(dir, original)); err == nil {
			st.original = fi.ModTime()
		}
	}
	if fi, err := os.Stat(filepath.Join(dir, ResultsFile)); err == nil {
		st.result = fi.ModTime()
		st.resultSize = fi.Size()
	}
	return st, true, nil
}

// scanJob summarizes one job directory. ok is false when the directory holds
// no usable original.
func (s *Store) scanJob(jobID string) (jobEntry, bool, error) {
	const op = "scan job"
	files, err := s.readJobDir(op, jobID)
	if err != nil {
		return jobEntry{}, false, err
	}

	var (
		originals []os.DirEntry
		processed []string
		hasResult bool
	)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		switch classify(f.Name()) {
		case kindOriginal:
			originals = append(originals, f)
		case kindResult:
			hasResult = true
			processed = append(processed, s.Public(jobID, f.Name()))
		case kindDerived:
			processed = append(processed, s.Public(jobID, f.Name()))
		}
	}
	if len(originals) != 1 {
		if len(originals) > 1 {
			s.logger.Warn("skipping job with ambiguous original", "job_id", jobID, "candidates", len(originals))
		}
		return jobEntry{}, false, nil
	}

	info, err := originals[0].Info()
	if errors.Is(err, fs.ErrNotExist) {
		return jobEntry{}, false, nil
	}
	if err != nil {
		return jobEntry{}, false, apperr.Storage(op, err)
	}

	status := process.JobStatusPending
	if hasResult {
		status = s.resultStatus(jobID)
	}
	sort.Strings(processed)
	if processed == nil {
		processed = []string{}
	}

	created := info.ModTime()
	return jobEntry{
		created:  created,
		original: originals[0].Name(),
		summary: schema.JobSummary{
			ID:             jobID,
			UploadDate:     created.Local().Format(UploadDateLayout),
			OriginalFile:   s.Public(jobID, originals[0].Name()),
			ProcessedFiles: processed,
			Status:         string(status),
		},
	}, true, nil
}

func (s *Store) resultStatus(jobID string) process.JobStatus {
	b, err := os.ReadFile(filepath.Join(s.root, jobID, ResultsFile))
	if err != nil {
		return process.JobStatusPending
	}
	var doc struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		s.logger.Warn("unreadable result document", "job_id", jobID, "err", err)
		return process.JobStatusPending
	}
	return process.StatusFromDocument(doc.Status)
}

func sortEntries(entries []jobEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].created.Equal(entries[j].created) {
			return entries[i].created.After(entries[j].created)
		}
		return entries[i].summary.ID < entries[j].summary.ID
	})
}

func summaries(entries []jobEntry) []schema.JobSummary {
	sortEntries(entries)
	out := make([]schema.JobSummary, len(entries))
	for i, e := range entries {
		out[i] = e.summary
	}
	return out
}
