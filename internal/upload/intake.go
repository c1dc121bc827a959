// internal/upload/intake.go
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/internal/img"
	"github.com/tendant/simple-ocr/internal/store"
)

// DefaultField is the multipart form field carrying the file.
const DefaultField = "file"

// Source is one uploaded file held in memory.
type Source struct {
	Filename string
	MimeType string
	Data     []byte
}

// SizeKB is the upload size in kilobytes.
func (s *Source) SizeKB() float64 { return float64(len(s.Data)) / 1024 }

// Intake reads uploads from multipart requests.
type Intake struct {
	maxBytes int64
	field    string
}

func NewIntake(maxBytes int64) *Intake {
	return &Intake{maxBytes: maxBytes, field: DefaultField}
}

func (in *Intake) MaxBytes() int64 { return in.maxBytes }

// Read streams the first part named after the file field, enforcing the
// size limit while reading. Every rejection is a validation error.
func (in *Intake) Read(w http.ResponseWriter, r *http.Request) (*Source, error) {
	const op = "read upload"
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, apperr.Validation(op, "expected a multipart/form-data request")
	}
	// the limit applies to file content; leave room for multipart framing
	r.Body = http.MaxBytesReader(w, r.Body, in.maxBytes+64*1024)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.Validation(op, "malformed multipart body: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apperr.Validation(op, "form field %q is required", in.field)
		}
		if err != nil {
			return nil, in.readErr(op, err)
		}
		if part.FormName() != in.field {
			part.Close()
			continue
		}
		defer part.Close()
		return in.readPart(op, part.FileName(), part)
	}
}

func (in *Intake) readPart(op, filename string, body io.Reader) (*Source, error) {
	name, err := store.ValidateFilename(filename)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(body, in.maxBytes+1))
	if err != nil {
		return nil, in.readErr(op, err)
	}
	if int64(len(data)) > in.maxBytes {
		return nil, in.tooLarge(op)
	}
	if len(data) == 0 {
		return nil, apperr.Validation(op, "file %q is empty", name)
	}
	return &Source{Filename: name, MimeType: img.DetectMime(data, name), Data: data}, nil
}

func (in *Intake) readErr(op string, err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return in.tooLarge(op)
	}
	return apperr.Validation(op, "read upload body: %v", err)
}

func (in *Intake) tooLarge(op string) error {
	return apperr.Validation(op, "file exceeds the %s upload limit", formatSize(in.maxBytes))
}

func formatSize(n int64) string {
	const mb = 1 << 20
	if n >= mb && n%mb == 0 {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
