package img

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-ocr/internal/converters"
)

// Normalizer turns an original upload into encoded image bytes the cleaner
// can decode. This allows the pipeline to handle images and PDFs uniformly.
type Normalizer interface {
	// Normalize reads srcPath and returns image bytes. rasterized reports
	// whether a new image was produced rather than the original passed through.
	Normalize(ctx context.Context, srcPath string) (data []byte, rasterized bool, err error)

	// Supports returns true if this normalizer can handle the given MIME type
	Supports(mimeType string) bool

	// Name returns the normalizer name for logging
	Name() string
}

// GetNormalizer routes by content type:
//   - PDFs: first page rendered through the rasterizer
//   - everything else: passed through and left to the decoder
func GetNormalizer(mimeType string, rasterizer converters.Rasterizer, dpi int) Normalizer {
	if converters.IsPaginated(mimeType) {
		return &PDFNormalizer{rasterizer: rasterizer, dpi: dpi}
	}
	return &ImageNormalizer{}
}

// DetectMime sniffs the content type, falling back to the file extension for
// PDFs whose header is damaged or preceded by junk.
func DetectMime(data []byte, filename string) string {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	mimeType := http.DetectContentType(head)
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return "application/pdf"
	}
	return mimeType
}

// ImageNormalizer passes images through unchanged.
type ImageNormalizer struct{}

func (n *ImageNormalizer) Normalize(_ context.Context, srcPath string) ([]byte, bool, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, false, fmt.Errorf("read original: %w", err)
	}
	return data, false, nil
}

func (n *ImageNormalizer) Supports(mimeType string) bool {
	return !converters.IsPaginated(mimeType)
}

func (n *ImageNormalizer) Name() string {
	return "image"
}

// PDFNormalizer renders the first page of a PDF.
type PDFNormalizer struct {
	rasterizer converters.Rasterizer
	dpi        int
}

func (n *PDFNormalizer) Normalize(ctx context.Context, srcPath string) ([]byte, bool, error) {
	if n.rasterizer == nil {
		return nil, false, fmt.Errorf("no rasterizer configured")
	}
	tmp, err := os.MkdirTemp("", "ocr-page-*")
	if err != nil {
		return nil, false, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	out := filepath.Join(tmp, "page.png")
	if err := n.rasterizer.RenderPage(ctx, srcPath, out, 0, n.dpi); err != nil {
		return nil, false, fmt.Errorf("render first page: %w", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, false, fmt.Errorf("read rendered page: %w", err)
	}
	return data, true, nil
}

func (n *PDFNormalizer) Supports(mimeType string) bool {
	return converters.IsPaginated(mimeType)
}

func (n *PDFNormalizer) Name() string {
	if n.rasterizer != nil {
		return "pdf/" + n.rasterizer.Name()
	}
	return "pdf"
}
