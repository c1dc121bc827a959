// Package converters rasterizes paginated documents into images the OCR
// pipeline can read.
package converters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Rasterizer renders one page of a document to an image file.
type Rasterizer interface {
	// Name returns the rasterizer name (e.g., "poppler")
	Name() string

	// Supports returns true if this rasterizer can handle the given MIME type
	Supports(mimeType string) bool

	// RenderPage renders the zero-based page of input to output at dpi.
	RenderPage(ctx context.Context, input, output string, page, dpi int) error

	// Probe returns metadata about the input file without rendering it
	Probe(ctx context.Context, input string) (*FileInfo, error)
}

// FileInfo contains metadata about a document
type FileInfo struct {
	MimeType string // MIME type detected from file
	Width    int    // Width of the first page in pixels at 96 DPI
	Height   int    // Height of the first page in pixels at 96 DPI
	Pages    int    // Number of pages
	Size     int64  // File size in bytes
}

// Runner executes an external command. It exists so tests can replace the
// poppler binaries.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner returns the Runner that executes binaries found in PATH. A
// missing binary yields an error wrapping exec.ErrNotFound.
func ExecRunner() Runner { return execRunner{} }

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, nil, fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// GetRasterizer returns the rasterizer for the given MIME type.
func GetRasterizer(mimeType string) (Rasterizer, error) {
	mimeType = strings.ToLower(mimeType)

	switch {
	case mimeType == "application/pdf":
		return NewPopplerConverter(), nil
	case strings.HasPrefix(mimeType, "image/"):
		return nil, fmt.Errorf("images are read directly and need no rasterization")
	default:
		return nil, fmt.Errorf("unsupported MIME type: %s", mimeType)
	}
}

// IsPaginated reports whether documents of this MIME type must be rasterized.
func IsPaginated(mimeType string) bool {
	return strings.ToLower(mimeType) == "application/pdf"
}
