package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "jobs"))
	require.NoError(t, err)
	return s
}

func createWithOriginal(t *testing.T, s *Store, name string) (string, Artifact) {
	t.Helper()
	id, err := s.CreateJob()
	require.NoError(t, err)
	art, err := s.SaveOriginal(id, name, []byte("original-bytes"))
	require.NoError(t, err)
	return id, art
}

func TestCreateJobIDsAreUnique(t *testing.T) {
	s := newTestStore(t)
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		id, err := s.CreateJob()
		require.NoError(t, err)
		require.NotEmpty(t, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate job id %s", id)
		seen[id] = struct{}{}

		info, err := os.Stat(filepath.Join(s.Root(), id))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestSaveOriginalAndLocate(t *testing.T) {
	s := newTestStore(t)
	id, art := createWithOriginal(t, s, "page1.png")

	assert.Equal(t, "page1.png", art.Name)
	assert.Equal(t, "jobs/"+id+"/page1.png", art.Public)

	got, err := s.LocateOriginal(id)
	require.NoError(t, err)
	assert.Equal(t, art, got)

	b, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, "original-bytes", string(b))
}

func TestSaveOriginalCreatesMissingNamespace(t *testing.T) {
	s := newTestStore(t)
	id := "0b7e3f9c-4a8e-4c1e-9a43-5b0f4e6c2d11"

	_, err := s.SaveOriginal(id, "scan.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	_, err = s.LocateOriginal(id)
	require.NoError(t, err)
}

func TestSaveOriginalRejectsSecondOriginal(t *testing.T) {
	s := newTestStore(t)
	id, _ := createWithOriginal(t, s, "a.png")

	_, err := s.SaveOriginal(id, "b.png", []byte("x"))
	assert.True(t, apperr.Is(err, apperr.KindAmbiguous), "got %v", err)

	_, err = s.SaveOriginal(id, "a.png", []byte("replaced"))
	require.NoError(t, err)
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"page1.png", "page1.png", false},
		{"../../etc/passwd", "passwd", false},
		{`C:\scans\tarama.pdf`, "tarama.pdf", false},
		{"", "", true},
		{".hidden.png", "", true},
		{"results.json", "", true},
		{"scan_clean.png", "", true},
		{"scan_page.png", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateFilename(tt.in)
			if tt.wantErr {
				assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocateOriginalNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LocateOriginal("0b7e3f9c-4a8e-4c1e-9a43-5b0f4e6c2d11")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = s.LocateOriginal("../outside")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	id, err := s.CreateJob()
	require.NoError(t, err)
	_, err = s.LocateOriginal(id)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "empty namespace: %v", err)

	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), id, "x_clean.png"), []byte("c"), 0o644))
	_, err = s.LocateOriginal(id)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "only derived files: %v", err)
}

func TestLocateOriginalAmbiguous(t *testing.T) {
	s := newTestStore(t)
	id, _ := createWithOriginal(t, s, "a.png")
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), id, "b.png"), []byte("b"), 0o644))

	_, err := s.LocateOriginal(id)
	assert.True(t, apperr.Is(err, apperr.KindAmbiguous), "got %v", err)
}

func TestSaveDerivedOverwritesSameRole(t *testing.T) {
	s := newTestStore(t)
	id, _ := createWithOriginal(t, s, "scan.pdf")

	first, err := s.SaveDerived(id, RoleClean, []byte("one"))
	require.NoError(t, err)
	second, err := s.SaveDerived(id, RoleClean, []byte("two"))
	require.NoError(t, err)

	assert.Equal(t, "scan_clean.png", first.Name)
	assert.Equal(t, first.Path, second.Path)
	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	orig, err := s.LocateOriginal(id)
	require.NoError(t, err)
	assert.Equal(t, "scan.pdf", orig.Name)
}

func TestSaveResultIsStable(t *testing.T) {
	s := newTestStore(t)
	id, _ := createWithOriginal(t, s, "a.png")
	doc := schema.ResultDocument{Status: schema.StatusSuccess, JobID: id, Typos: []string{}}

	require.NoError(t, s.SaveResult(id, doc))
	first, err := s.ReadResult(id)
	require.NoError(t, err)
	require.NoError(t, s.SaveResult(id, doc))
	second, err := s.ReadResult(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	err = s.SaveResult("0b7e3f9c-4a8e-4c1e-9a43-5b0f4e6c2d11", doc)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListJobsOrderAndStatus(t *testing.T) {
	s := newTestStore(t)
	j1, a1 := createWithOriginal(t, s, "first.png")
	j2, a2 := createWithOriginal(t, s, "second.pdf")

	now := time.Now()
	require.NoError(t, os.Chtimes(a1.Path, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(a2.Path, now, now))

	require.NoError(t, s.SaveResult(j1, schema.ErrorDocument{Status: schema.StatusError, JobID: j1, Message: "boom"}))
	_, err := s.SaveDerived(j2, RolePage, []byte("p"))
	require.NoError(t, err)

	// a namespace without an original is not a job
	_, err = s.CreateJob()
	require.NoError(t, err)

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, j2, jobs[0].ID)
	assert.Equal(t, j1, jobs[1].ID)
	assert.Equal(t, "pending", jobs[0].Status)
	assert.Equal(t, "failed", jobs[1].Status)
	assert.Equal(t, []string{"jobs/" + j2 + "/second_page.png"}, jobs[0].ProcessedFiles)
	assert.Equal(t, []string{"jobs/" + j1 + "/results.json"}, jobs[1].ProcessedFiles)
	assert.Equal(t, "jobs/"+j1+"/first.png", jobs[1].OriginalFile)
}

func TestDeleteJob(t *testing.T) {
	s := newTestStore(t)
	id, _ := createWithOriginal(t, s, "a.png")
	keep, _ := createWithOriginal(t, s, "b.png")

	require.NoError(t, s.DeleteJob(id))
	_, err := os.Stat(filepath.Join(s.Root(), id))
	assert.True(t, os.IsNotExist(err))

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, keep, jobs[0].ID)

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "tombstone left behind")
}

func TestDeleteJobNotFoundHasNoSideEffects(t *testing.T) {
	s := newTestStore(t)
	keep, _ := createWithOriginal(t, s, "a.png")

	err := s.DeleteJob("0b7e3f9c-4a8e-4c1e-9a43-5b0f4e6c2d11")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	err = s.DeleteJob("does-not-exist")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, keep, jobs[0].ID)
}
