//go:build gosseract

package recognize

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// Gosseract runs tesseract in-process through cgo. A client is created per
// call; the Gate in front of it keeps calls from overlapping.
type Gosseract struct {
	lang           string
	tessdataPrefix string
	clientFactory  func() *gosseract.Client
}

// NewGosseract constructs the in-process engine.
func NewGosseract(lang, tessdataPrefix string) Recognizer {
	if lang == "" {
		lang = "eng"
	}
	return &Gosseract{lang: lang, tessdataPrefix: tessdataPrefix, clientFactory: gosseract.NewClient}
}

func (g *Gosseract) Name() string { return "gosseract" }

func (g *Gosseract) Ready(context.Context) error {
	if gosseract.Version() == "" {
		return unavailable("libtesseract is not available", nil)
	}
	return nil
}

func (g *Gosseract) Recognize(ctx context.Context, imagePath string) (Recognition, error) {
	if err := ctx.Err(); err != nil {
		return Recognition{}, apperr.Wrap(apperr.KindTimeout, "gosseract", err)
	}
	c := g.clientFactory()
	defer c.Close()

	if g.tessdataPrefix != "" {
		if err := c.SetTessdataPrefix(g.tessdataPrefix); err != nil {
			return Recognition{}, unavailable("set tessdata prefix", err)
		}
	}
	if err := c.SetLanguage(strings.Split(g.lang, "+")...); err != nil {
		return Recognition{}, unavailable(fmt.Sprintf("set language %q", g.lang), err)
	}
	if err := c.SetImage(imagePath); err != nil {
		return Recognition{}, apperr.Wrap(apperr.KindRecognition, "set image", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return Recognition{}, apperr.Wrap(apperr.KindRecognition, "gosseract", err)
	}
	lines := make([]schema.TextLine, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		lines = append(lines, newTextLine(text, b.Confidence/100,
			float64(b.Box.Min.X), float64(b.Box.Min.Y), float64(b.Box.Max.X), float64(b.Box.Max.Y)))
	}
	return FromLines(lines), nil
}
