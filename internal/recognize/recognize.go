// Package recognize wraps the OCR engines the pipeline can call.
package recognize

import (
	"context"
	"fmt"
	"strings"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// Recognition is the output of one OCR call.
type Recognition struct {
	Text  string
	Lines []schema.TextLine
}

// Recognizer extracts text and line layout from an image file.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, imagePath string) (Recognition, error)
}

// Checker is implemented by recognizers that can report readiness without
// processing an image.
type Checker interface {
	Ready(ctx context.Context) error
}

// ErrUnavailable reports that no recognition model is loaded.
var ErrUnavailable = apperr.New(apperr.KindRecognitionUnavailable, "recognize", "recognition model is not loaded")

func unavailable(reason string, cause error) error {
	return &apperr.Error{
		Kind:    apperr.KindRecognitionUnavailable,
		Op:      "recognize",
		Message: reason,
		Err:     cause,
	}
}

// Unavailable is the recognizer used when no engine is configured. Every call
// reports unavailability so the pipeline can degrade instead of failing.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Name() string { return "none" }

func (u Unavailable) Recognize(context.Context, string) (Recognition, error) {
	return Recognition{}, u.err()
}

func (u Unavailable) Ready(context.Context) error { return u.err() }

func (u Unavailable) err() error {
	if u.Reason == "" {
		return ErrUnavailable
	}
	return unavailable(u.Reason, nil)
}

// Config selects and configures an engine.
type Config struct {
	// Engine is one of "tesseract", "gosseract" or "none".
	Engine         string
	Binary         string
	Lang           string
	TessdataPrefix string
	// Concurrency bounds simultaneous calls into the engine.
	Concurrency int
}

// New builds the configured engine behind a Gate.
func New(cfg Config) (*Gate, error) {
	var r Recognizer
	switch strings.ToLower(strings.TrimSpace(cfg.Engine)) {
	case "", "tesseract":
		r = NewTesseract(cfg.Binary, cfg.Lang, cfg.TessdataPrefix)
	case "gosseract":
		r = NewGosseract(cfg.Lang, cfg.TessdataPrefix)
	case "none":
		r = Unavailable{Reason: "recognition disabled by configuration"}
	default:
		return nil, fmt.Errorf("unknown recognizer %q", cfg.Engine)
	}
	return NewGate(r, cfg.Concurrency), nil
}
