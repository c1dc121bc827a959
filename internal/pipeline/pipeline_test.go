package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/internal/converters"
	"github.com/tendant/simple-ocr/internal/process"
	"github.com/tendant/simple-ocr/internal/recognize"
	"github.com/tendant/simple-ocr/internal/spell"
	"github.com/tendant/simple-ocr/internal/store"
	"github.com/tendant/simple-ocr/pkg/schema"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []string
}

func (p *recordingPublisher) Publish(message string, _ schema.LogSource) {
	p.mu.Lock()
	p.messages = append(p.messages, message)
	p.mu.Unlock()
}

func (p *recordingPublisher) contains(substr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type fakeRecognizer struct {
	rec   recognize.Recognition
	err   error
	block bool
	panic bool
}

func (f *fakeRecognizer) Name() string { return "fake" }

func (f *fakeRecognizer) Recognize(ctx context.Context, path string) (recognize.Recognition, error) {
	if f.panic {
		panic("model exploded")
	}
	if f.block {
		<-ctx.Done()
		return recognize.Recognition{}, errors.New("signal: killed")
	}
	if _, err := os.Stat(path); err != nil {
		return recognize.Recognition{}, err
	}
	return f.rec, f.err
}

type fakeRasterizer struct {
	err error
}

func (f *fakeRasterizer) Name() string              { return "fake" }
func (f *fakeRasterizer) Supports(mime string) bool { return converters.IsPaginated(mime) }
func (f *fakeRasterizer) Probe(context.Context, string) (*converters.FileInfo, error) {
	return &converters.FileInfo{Pages: 1}, nil
}

func (f *fakeRasterizer) RenderPage(_ context.Context, _, output string, _, _ int) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(output, pngBytes(nil, 60, 40), 0o644)
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []string
	jobs   []process.JobStatus
}

func (o *recordingObserver) StageFinished(stage schema.ProcessingStage, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.stages = append(o.stages, string(stage)+":"+outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) JobFinished(status process.JobStatus, _ bool, _ time.Duration) {
	o.mu.Lock()
	o.jobs = append(o.jobs, status)
	o.mu.Unlock()
}

func helloRecognition() recognize.Recognition {
	return recognize.Recognition{
		Text: "Hello wrold",
		Lines: []schema.TextLine{{
			Text:       "Hello wrold",
			Confidence: 0.97,
			BBox:       [4]float64{1, 2, 90, 20},
			Polygon:    [][2]float64{{1, 2}, {90, 2}, {90, 20}, {1, 20}},
		}},
	}
}

type fixture struct {
	store     *store.Store
	publisher *recordingPublisher
	observer  *recordingObserver
	orch      *Orchestrator
}

func newFixture(t *testing.T, collab Collaborators, opts ...Option) *fixture {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	f := &fixture{store: s, publisher: &recordingPublisher{}, observer: &recordingObserver{}}
	if collab.Spell == nil {
		collab.Spell = spell.NewChecker([]string{"hello", "world"}, language.English)
	}
	opts = append([]Option{WithPublisher(f.publisher), WithObserver(f.observer)}, opts...)
	f.orch = New(s, collab, opts...)
	return f
}

func (f *fixture) upload(t *testing.T, name string, data []byte) (string, store.Artifact) {
	t.Helper()
	id, err := f.store.CreateJob()
	require.NoError(t, err)
	a, err := f.store.SaveOriginal(id, name, data)
	require.NoError(t, err)
	return id, a
}

func (f *fixture) result(t *testing.T, id string) []byte {
	t.Helper()
	b, err := f.store.ReadResult(id)
	require.NoError(t, err)
	return b
}

func TestRunSucceedsForValidImage(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{rec: helloRecognition()}})
	id, original := f.upload(t, "page1.png", pngBytes(nil, 100, 100))

	res := f.orch.Run(context.Background(), id, original)

	require.Nil(t, res.Failure, "unexpected failure: %v", res.Err)
	assert.Equal(t, process.JobStatusCompleted, res.Status)
	doc := res.Document
	assert.Equal(t, schema.StatusSuccess, doc.Status)
	assert.Equal(t, id, doc.JobID)
	assert.Contains(t, doc.CleanImage, id)
	assert.Equal(t, "jobs/"+id+"/page1_clean.png", doc.CleanImage)
	assert.Equal(t, "jobs/"+id+"/page1.png", doc.OriginalFile)
	assert.Equal(t, "Hello wrold", doc.Text)
	assert.Equal(t, []string{"wrold"}, doc.Typos)
	assert.False(t, doc.Degraded)

	_, err := os.Stat(filepath.Join(f.store.Root(), id, "page1_clean.png"))
	require.NoError(t, err)

	var stored schema.ResultDocument
	require.NoError(t, json.Unmarshal(f.result(t, id), &stored))
	assert.Equal(t, doc, stored)

	assert.True(t, f.publisher.contains("Starting OCR processing for page1.png"))
	assert.True(t, f.publisher.contains("Image loaded: 100x100"))
	assert.True(t, f.publisher.contains("Found 1 potential typos"))
	assert.True(t, f.publisher.contains("Processing completed for job "+id))

	assert.Equal(t, []string{"normalize:success", "clean:success", "recognize:success", "annotate:success"}, f.observer.stages)
	require.Len(t, res.Lifecycle, 5)
	assert.Equal(t, schema.StageCompleted, res.Lifecycle[4].Stage)
	assert.NotZero(t, res.Lifecycle[4].ProcessingEnd)
}

func TestRunReportsReadErrorForCorruptImage(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{rec: helloRecognition()}})
	id, original := f.upload(t, "page1.png", []byte("\x89PNG\r\n\x1a\nthis is not an image"))

	res := f.orch.Run(context.Background(), id, original)

	assert.Equal(t, process.JobStatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, schema.StatusError, res.Failure.Status)
	assert.Equal(t, string(apperr.KindRead), res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "decode")
	assert.True(t, apperr.Is(res.Err, apperr.KindRead))

	var stored map[string]any
	require.NoError(t, json.Unmarshal(f.result(t, id), &stored))
	assert.Equal(t, schema.StatusError, stored["status"])
	assert.Equal(t, id, stored["job_id"])

	summaries, err := f.store.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, string(process.JobStatusFailed), summaries[0].Status)

	_, err = os.Stat(filepath.Join(f.store.Root(), id, "page1_clean.png"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, f.publisher.contains("Error processing job "+id))
	assert.Equal(t, []process.JobStatus{process.JobStatusFailed}, f.observer.jobs)

	last := res.Lifecycle[len(res.Lifecycle)-1]
	assert.Equal(t, schema.StageFailed, last.Stage)
	assert.Equal(t, schema.FailureTypePermanent, last.FailureType)
}

func TestRerunIsByteIdentical(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{rec: helloRecognition()}})
	id, original := f.upload(t, "scan.png", pngBytes(nil, 80, 50))

	first := f.orch.Run(context.Background(), id, original)
	require.Equal(t, process.JobStatusCompleted, first.Status)
	firstDoc := f.result(t, id)
	firstClean, err := os.ReadFile(filepath.Join(f.store.Root(), id, "scan_clean.png"))
	require.NoError(t, err)

	second := f.orch.Run(context.Background(), id, original)
	require.Equal(t, process.JobStatusCompleted, second.Status)
	assert.Equal(t, firstDoc, f.result(t, id))
	secondClean, err := os.ReadFile(filepath.Join(f.store.Root(), id, "scan_clean.png"))
	require.NoError(t, err)
	assert.Equal(t, firstClean, secondClean)

	located, err := f.store.LocateOriginal(id)
	require.NoError(t, err)
	assert.Equal(t, original, located)
	entries, err := os.ReadDir(filepath.Join(f.store.Root(), id))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRerunAfterFailureReplacesErrorDocument(t *testing.T) {
	rec := &fakeRecognizer{err: apperr.New(apperr.KindRecognition, "recognize", "engine crashed")}
	f := newFixture(t, Collaborators{Recognizer: rec})
	id, original := f.upload(t, "a.png", pngBytes(nil, 20, 20))

	res := f.orch.Run(context.Background(), id, original)
	require.Equal(t, process.JobStatusFailed, res.Status)
	assert.Equal(t, string(apperr.KindRecognition), res.Failure.Kind)
	assert.Equal(t, schema.FailureTypeRetryable, res.Done().FailureType)

	rec.err = nil
	rec.rec = helloRecognition()
	res = f.orch.Run(context.Background(), id, original)
	require.Equal(t, process.JobStatusCompleted, res.Status)
	assert.Contains(t, string(f.result(t, id)), `"status": "success"`)
}

func TestUnavailableRecognizerDegrades(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: recognize.Unavailable{}})
	id, original := f.upload(t, "page1.png", pngBytes(nil, 100, 100))

	res := f.orch.Run(context.Background(), id, original)

	assert.Equal(t, process.JobStatusCompleted, res.Status)
	assert.True(t, res.Degraded)
	assert.Equal(t, "", res.Document.Text)
	assert.Empty(t, res.Document.Layout.TextLines)
	assert.Empty(t, res.Document.Typos)
	assert.Contains(t, res.Document.Message, "unavailable")

	raw := string(f.result(t, id))
	assert.Contains(t, raw, `"text_lines": []`)
	assert.Contains(t, raw, `"typos": []`)
	assert.Contains(t, raw, `"degraded": true`)
	assert.Contains(t, f.observer.stages, "recognize:degraded")
}

func TestUnexpectedRecognizerErrorIsRecognitionFailure(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{err: errors.New("boom")}})
	id, original := f.upload(t, "a.png", pngBytes(nil, 20, 20))

	res := f.orch.Run(context.Background(), id, original)
	assert.Equal(t, process.JobStatusFailed, res.Status)
	assert.True(t, apperr.Is(res.Err, apperr.KindRecognition))
}

func TestRunRasterizesFirstPDFPage(t *testing.T) {
	f := newFixture(t, Collaborators{
		Rasterizer: &fakeRasterizer{},
		Recognizer: &fakeRecognizer{rec: helloRecognition()},
	})
	id, original := f.upload(t, "scan.pdf", []byte("%PDF-1.4\n%fake\n"))

	res := f.orch.Run(context.Background(), id, original)

	require.Equal(t, process.JobStatusCompleted, res.Status, "err: %v", res.Err)
	for _, name := range []string{"scan_page.png", "scan_clean.png", store.ResultsFile} {
		_, err := os.Stat(filepath.Join(f.store.Root(), id, name))
		assert.NoError(t, err, name)
	}
	assert.True(t, f.publisher.contains("Converted first page of scan.pdf at 216 DPI"))
	assert.True(t, f.publisher.contains("Image loaded: 60x40"))
}

func TestConversionFailureAbortsPipeline(t *testing.T) {
	f := newFixture(t, Collaborators{
		Rasterizer: &fakeRasterizer{err: errors.New("pdftoppm failed: exit status 1")},
		Recognizer: &fakeRecognizer{rec: helloRecognition()},
	})
	id, original := f.upload(t, "scan.pdf", []byte("%PDF-1.4\n"))

	res := f.orch.Run(context.Background(), id, original)

	assert.Equal(t, process.JobStatusFailed, res.Status)
	assert.True(t, apperr.Is(res.Err, apperr.KindConversion))
	assert.Equal(t, []string{"normalize:failed"}, f.observer.stages)
}

func TestMissingRasterizerIsConversionError(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{}})
	id, original := f.upload(t, "scan.pdf", []byte("%PDF-1.4\n"))

	res := f.orch.Run(context.Background(), id, original)
	assert.True(t, apperr.Is(res.Err, apperr.KindConversion))
}

func TestPanickingCollaboratorIsContained(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{panic: true}})
	id, original := f.upload(t, "a.png", pngBytes(nil, 20, 20))

	var res JobResult
	require.NotPanics(t, func() { res = f.orch.Run(context.Background(), id, original) })
	assert.Equal(t, process.JobStatusFailed, res.Status)
	assert.Equal(t, string(apperr.KindInternal), res.Failure.Kind)
	assert.Contains(t, string(f.result(t, id)), "unexpected panic")
}

func TestStageTimeout(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{block: true}}, WithStageTimeout(20*time.Millisecond))
	id, original := f.upload(t, "a.png", pngBytes(nil, 20, 20))

	res := f.orch.Run(context.Background(), id, original)
	assert.Equal(t, process.JobStatusFailed, res.Status)
	assert.True(t, apperr.Is(res.Err, apperr.KindTimeout), "got %v", res.Err)
	assert.Contains(t, res.Failure.Message, "signal: killed")
}

func TestCanceledContextFailsBeforeFirstStage(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{}})
	id, original := f.upload(t, "a.png", pngBytes(nil, 20, 20))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.orch.Run(ctx, id, original)
	assert.True(t, apperr.Is(res.Err, apperr.KindTimeout))
	assert.Empty(t, f.observer.stages)
}

func TestConcurrentRunsOfDistinctJobs(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: recognize.NewGate(&fakeRecognizer{rec: helloRecognition()}, 1)})

	const n = 6
	ids := make([]string, n)
	originals := make([]store.Artifact, n)
	for i := range ids {
		ids[i], originals[i] = f.upload(t, fmt.Sprintf("page%d.png", i), pngBytes(nil, 30+i, 30))
	}

	var wg sync.WaitGroup
	results := make([]JobResult, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.orch.Run(context.Background(), ids[i], originals[i])
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		assert.Equal(t, process.JobStatusCompleted, res.Status, "job %d: %v", i, res.Err)
		assert.Equal(t, ids[i], res.Document.JobID)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want schema.FailureType
	}{
		{nil, ""},
		{apperr.New(apperr.KindRead, "decode", "bad"), schema.FailureTypePermanent},
		{apperr.New(apperr.KindConversion, "raster", "bad"), schema.FailureTypePermanent},
		{apperr.NotFound("locate", "missing"), schema.FailureTypeValidation},
		{apperr.New(apperr.KindAmbiguous, "locate", "two"), schema.FailureTypeValidation},
		{apperr.Storage("save", errors.New("disk full")), schema.FailureTypeRetryable},
		{context.DeadlineExceeded, schema.FailureTypeRetryable},
		{errors.New("unknown"), schema.FailureTypeRetryable},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestJobResultDone(t *testing.T) {
	f := newFixture(t, Collaborators{Recognizer: &fakeRecognizer{rec: helloRecognition()}})
	id, original := f.upload(t, "page1.png", pngBytes(nil, 40, 40))

	done := f.orch.Run(context.Background(), id, original).Done()
	assert.Equal(t, id, done.ID)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "page1.png", done.OriginalFile)
	assert.Equal(t, 11, done.Characters)
	assert.Equal(t, 1, done.Lines)
	assert.Equal(t, 1, done.Typos)
	assert.Empty(t, done.Error)
	assert.Len(t, done.Lifecycle, 5)
}

// pngBytes encodes a light page with a dark bar, or img when given.
func pngBytes(img image.Image, w, h int) []byte {
	if img == nil {
		rgba := image.NewRGBA(image.Rect(0, 0, w, h))
		for x := 0; x < w; x++ {
			for y := 0; y < h; y++ {
				c := color.RGBA{R: 240, G: 240, B: 240, A: 255}
				if y > h/3 && y < h/3+3 {
					c = color.RGBA{A: 255}
				}
				rgba.Set(x, y, c)
			}
		}
		img = rgba
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
