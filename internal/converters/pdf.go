package converters

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultDPI approximates a 3x render scale, which keeps small print legible
// for the recognizer.
const DefaultDPI = 216

// PopplerConverter uses Poppler's pdftoppm to rasterize PDF pages
type PopplerConverter struct {
	dpi    int
	runner Runner
}

// NewPopplerConverter creates a new Poppler-based PDF rasterizer
func NewPopplerConverter() *PopplerConverter {
	return &PopplerConverter{dpi: DefaultDPI, runner: execRunner{}}
}

// WithRunner replaces the command runner.
func (p *PopplerConverter) WithRunner(r Runner) *PopplerConverter {
	if r != nil {
		p.runner = r
	}
	return p
}

// Name returns the converter name
func (p *PopplerConverter) Name() string {
	return "poppler"
}

// Supports returns true if this converter can handle the given MIME type
func (p *PopplerConverter) Supports(mimeType string) bool {
	return strings.ToLower(mimeType) == "application/pdf"
}

// RenderPage renders a single page of a PDF. A dpi of zero uses the
// converter's configured resolution.
func (p *PopplerConverter) RenderPage(ctx context.Context, input, output string, page, dpi int) error {
	if page < 0 {
		return fmt.Errorf("invalid page index %d", page)
	}
	if dpi <= 0 {
		dpi = p.dpi
	}

	// Determine output format from file extension
	ext := strings.ToLower(filepath.Ext(output))
	format, producedExt := "png", ".png"
	if ext == ".jpg" || ext == ".jpeg" {
		format, producedExt = "jpeg", ".jpg"
	}

	// pdftoppm requires output path without extension
	outputBase := strings.TrimSuffix(output, filepath.Ext(output))
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	// -singlefile: don't add page numbers to the output name
	// -f N -l N: render exactly page N (1-based)
	pageArg := strconv.Itoa(page + 1)
	args := []string{
		"-" + format,
		"-singlefile",
		"-f", pageArg,
		"-l", pageArg,
		"-r", strconv.Itoa(dpi),
		input,
		outputBase,
	}

	_, stderr, err := p.runner.Run(ctx, "pdftoppm", args...)
	if err != nil {
		return fmt.Errorf("pdftoppm failed: %w\nOutput: %s", err, strings.TrimSpace(string(stderr)))
	}

	// pdftoppm picks the extension itself; move the file where the caller expects it
	produced := outputBase + producedExt
	if produced != output {
		if err := os.Rename(produced, output); err != nil {
			return fmt.Errorf("failed to rename output: %w", err)
		}
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("pdftoppm produced no image: %w", err)
	}
	return nil
}

// Probe returns metadata about the PDF file
func (p *PopplerConverter) Probe(ctx context.Context, input string) (*FileInfo, error) {
	stdout, stderr, err := p.runner.Run(ctx, "pdfinfo", input)
	if err != nil {
		return nil, fmt.Errorf("pdfinfo failed: %w\nOutput: %s", err, strings.TrimSpace(string(stderr)))
	}
	return parsePDFInfo(string(stdout)), nil
}

func parsePDFInfo(output string) *FileInfo {
	info := &FileInfo{
		MimeType: "application/pdf",
	}

	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "Pages":
			if pages, err := strconv.Atoi(value); err == nil {
				info.Pages = pages
			}
		case "Page size":
			// Parse "595 x 842 pts" or "595 x 842 pts (A4)"
			dims := strings.Fields(value)
			if len(dims) >= 3 {
				if w, err := strconv.ParseFloat(dims[0], 64); err == nil {
					info.Width = int(w * 96 / 72) // Convert pts to pixels (96 DPI)
				}
				if h, err := strconv.ParseFloat(dims[2], 64); err == nil {
					info.Height = int(h * 96 / 72)
				}
			}
		case "File size":
			// Parse "1234567 bytes"
			dims := strings.Fields(value)
			if len(dims) >= 1 {
				if size, err := strconv.ParseInt(dims[0], 10, 64); err == nil {
					info.Size = size
				}
			}
		}
	}

	return info
}

// SetDPI sets the default rendering resolution in DPI
func (p *PopplerConverter) SetDPI(dpi int) {
	if dpi > 0 {
		p.dpi = dpi
	}
}

// DPI returns the default rendering resolution.
func (p *PopplerConverter) DPI() int { return p.dpi }
