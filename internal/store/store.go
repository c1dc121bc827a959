// Package store persists job artifacts on the local filesystem. Each job owns
// one directory under the storage root; the directory listing is the source of
// truth for which jobs exist and what they contain.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/simple-ocr/internal/apperr"
)

// ResultsFile is the name of the result document inside a job directory.
const ResultsFile = "results.json"

const (
	tmpPrefix   = ".tmp-"
	trashPrefix = ".trash-"
)

// Role names a derived artifact.
type Role string

const (
	// RolePage is the first page of a paginated original, rasterized.
	RolePage Role = "page"
	// RoleClean is the binarized image fed to the recognizer.
	RoleClean Role = "clean"
)

var derivedRoles = []Role{RolePage, RoleClean}

func (r Role) suffix() string { return "_" + string(r) + ".png" }

// Artifact references one file of a job.
type Artifact struct {
	JobID string
	Name  string
	// Path is the filesystem location.
	Path string
	// Public is the slash-separated path clients use to fetch the file.
	Public string
}

// Store is the filesystem-backed artifact store.
type Store struct {
	root         string
	publicPrefix string
	logger       *slog.Logger
}

type Option func(*Store)

// WithPublicPrefix sets the prefix of Artifact.Public paths (default "jobs").
func WithPublicPrefix(prefix string) Option {
	return func(s *Store) { s.publicPrefix = strings.Trim(prefix, "/") }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New opens (and creates if needed) a store rooted at root.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, apperr.Validation("open store", "storage root is required")
	}
	s := &Store{root: root, publicPrefix: "jobs", logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Storage("create storage root", err)
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

// CreateJob allocates a fresh job identifier and its empty directory.
func (s *Store) CreateJob() (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.NewString()
		err := os.Mkdir(filepath.Join(s.root, id), 0o755)
		if err == nil {
			s.logger.Debug("created job namespace", "job_id", id)
			return id, nil
		}
		if errors.Is(err, fs.ErrExist) {
			s.logger.Warn("job id collision, retrying", "job_id", id)
			continue
		}
		return "", apperr.Storage("create job", err)
	}
	return "", apperr.New(apperr.KindStorage, "create job", "could not allocate a unique job id")
}

// SaveOriginal writes the uploaded content under the job directory, creating
// the directory if it does not exist.
func (s *Store) SaveOriginal(jobID, filename string, data []byte) (Artifact, error) {
	const op = "save original"
	if _, err := uuid.Parse(jobID); err != nil {
		return Artifact{}, apperr.Validation(op, "invalid job id %q", jobID)
	}
	name, err := ValidateFilename(filename)
	if err != nil {
		return Artifact{}, err
	}
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, apperr.Storage(op, err)
	}

	existing, err := s.LocateOriginal(jobID)
	switch {
	case err == nil && existing.Name != name:
		return Artifact{}, apperr.Newf(apperr.KindAmbiguous, op, "job %s already has original %q", jobID, existing.Name)
	case err != nil && !apperr.Is(err, apperr.KindNotFound):
		return Artifact{}, err
	}

	if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		return Artifact{}, apperr.Storage(op, err)
	}
	return s.artifact(jobID, name), nil
}

// LocateOriginal returns the single file of the job that is neither derived
// nor a result document.
func (s *Store) LocateOriginal(jobID string) (Artifact, error) {
	const op = "locate original"
	entries, err := s.readJobDir(op, jobID)
	if err != nil {
		return Artifact{}, err
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if classify(e.Name()) == kindOriginal {
			candidates = append(candidates, e.Name())
		}
	}
	switch len(candidates) {
	case 0:
		return Artifact{}, apperr.NotFound(op, "original file not found in job %s", jobID)
	case 1:
		return s.artifact(jobID, candidates[0]), nil
	default:
		return Artifact{}, apperr.Newf(apperr.KindAmbiguous, op, "job %s has %d candidate originals: %s",
			jobID, len(candidates), strings.Join(candidates, ", "))
	}
}

// SaveDerived writes a derived artifact named after the original, replacing
// any previous artifact of the same role.
func (s *Store) SaveDerived(jobID string, role Role, data []byte) (Artifact, error) {
	original, err := s.LocateOriginal(jobID)
	if err != nil {
		return Artifact{}, err
	}
	name := DerivedName(original.Name, role)
	if err := writeFileAtomic(filepath.Join(s.root, jobID, name), data); err != nil {
		return Artifact{}, apperr.Storage("save derived "+string(role), err)
	}
	return s.artifact(jobID, name), nil
}

// SaveResult writes doc as the job's result document, replacing any previous one.
func (s *Store) SaveResult(jobID string, doc any) error {
	const op = "save result"
	if _, err := s.readJobDir(op, jobID); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperr.Storage(op, err)
	}
	b = append(b, '\n')
	if err := writeFileAtomic(filepath.Join(s.root, jobID, ResultsFile), b); err != nil {
		return apperr.Storage(op, err)
	}
	return nil
}

// ReadResult returns the raw result document of a job.
func (s *Store) ReadResult(jobID string) ([]byte, error) {
	const op = "read result"
	if _, err := s.readJobDir(op, jobID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.root, jobID, ResultsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound(op, "job %s has no result document", jobID)
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	return b, nil
}

// DeleteJob removes the whole job directory. The directory is first renamed
// out of the namespace so a concurrent listing never sees a half-deleted job.
func (s *Store) DeleteJob(jobID string) error {
	const op = "delete job"
	if _, err := s.readJobDir(op, jobID); err != nil {
		return err
	}
	dir := filepath.Join(s.root, jobID)
	tomb := filepath.Join(s.root, trashPrefix+jobID+"-"+uuid.NewString()[:8])
	if err := os.Rename(dir, tomb); err != nil {
		return apperr.Storage(op, err)
	}
	if err := os.RemoveAll(tomb); err != nil {
		s.logger.Warn("remove deleted job directory failed", "job_id", jobID, "path", tomb, "err", err)
	}
	return nil
}

// Public returns the client-facing path of a job file.
func (s *Store) Public(jobID, name string) string {
	return path.Join(s.publicPrefix, jobID, name)
}

func (s *Store) artifact(jobID, name string) Artifact {
	return Artifact{
		JobID:  jobID,
		Name:   name,
		Path:   filepath.Join(s.root, jobID, name),
		Public: s.Public(jobID, name),
	}
}

func (s *Store) readJobDir(op, jobID string) ([]os.DirEntry, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, apperr.NotFound(op, "job %s not found", jobID)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound(op, "job %s not found", jobID)
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	return entries, nil
}

// DerivedName returns the artifact name of role for the given original.
func DerivedName(original string, role Role) string {
	stem := strings.TrimSuffix(original, filepath.Ext(original))
	return stem + role.suffix()
}

// ValidateFilename reduces an uploaded name to its base name and rejects names
// that would be mistaken for derived artifacts or the result document.
func ValidateFilename(filename string) (string, error) {
	const op = "validate filename"
	name := filepath.Base(filepath.Clean(strings.ReplaceAll(filename, "\\", "/")))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", apperr.Validation(op, "filename is required")
	}
	if strings.HasPrefix(name, ".") {
		return "", apperr.Validation(op, "filename %q must not start with a dot", name)
	}
	if classify(name) != kindOriginal {
		return "", apperr.Validation(op, "filename %q is reserved for processed artifacts", name)
	}
	return name, nil
}

type fileKind int

const (
	kindOriginal fileKind = iota
	kindDerived
	kindResult
	kindHidden
)

func classify(name string) fileKind {
	if strings.HasPrefix(name, ".") {
		return kindHidden
	}
	if name == ResultsFile {
		return kindResult
	}
	for _, r := range derivedRoles {
		if strings.HasSuffix(name, r.suffix()) {
			return kindDerived
		}
	}
	return kindOriginal
}

func writeFileAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
