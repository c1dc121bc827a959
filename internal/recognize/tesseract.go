package recognize

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/internal/converters"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// tsvWordLevel is the TSV level of individual words.
const tsvWordLevel = 5

// Tesseract runs the tesseract CLI in TSV mode and groups words into lines.
type Tesseract struct {
	bin         string
	lang        string
	tessdataDir string
	runner      converters.Runner
}

func NewTesseract(bin, lang, tessdataDir string) *Tesseract {
	if bin == "" {
		bin = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	return &Tesseract{bin: bin, lang: lang, tessdataDir: tessdataDir, runner: converters.ExecRunner()}
}

// WithRunner replaces the command runner (used in tests).
func (t *Tesseract) WithRunner(r converters.Runner) *Tesseract {
	t.runner = r
	return t
}

func (t *Tesseract) Name() string { return "tesseract" }

// Ready checks that the binary can be executed.
func (t *Tesseract) Ready(ctx context.Context) error {
	_, errb, err := t.runner.Run(ctx, t.bin, "--version")
	if err != nil {
		return t.classify(err, errb)
	}
	return nil
}

func (t *Tesseract) Recognize(ctx context.Context, imagePath string) (Recognition, error) {
	// tesseract <file> stdout -l <lang> [--tessdata-dir dir] tsv
	args := []string{imagePath, "stdout", "-l", t.lang}
	if t.tessdataDir != "" {
		args = append(args, "--tessdata-dir", t.tessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := t.runner.Run(ctx, t.bin, args...)
	if err != nil {
		return Recognition{}, t.classify(err, errb)
	}
	lines, err := ParseTSV(out)
	if err != nil {
		return Recognition{}, apperr.Wrap(apperr.KindRecognition, "parse tesseract output", err)
	}
	return FromLines(lines), nil
}

func (t *Tesseract) classify(err error, stderr []byte) error {
	if errors.Is(err, exec.ErrNotFound) {
		return unavailable(fmt.Sprintf("%s is not installed", t.bin), err)
	}
	msg := strings.TrimSpace(string(stderr))
	if strings.Contains(msg, "Failed loading language") {
		return unavailable(fmt.Sprintf("language data %q is not installed", t.lang), err)
	}
	if msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return apperr.Wrap(apperr.KindRecognition, "tesseract", err)
}

type lineKey struct {
	page, block, par, line int
}

type lineAcc struct {
	words     []string
	x0, y0    float64
	x1, y1    float64
	confSum   float64
	confCount int
}

// ParseTSV groups the word rows of tesseract TSV output into text lines, in
// reading order. Confidence is the mean word confidence scaled to 0..1.
func ParseTSV(data []byte) ([]schema.TextLine, error) {
	var (
		order []lineKey
		acc   = map[lineKey]*lineAcc{}
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for sc.Scan() {
		row := sc.Text()
		if first {
			first = false
			if strings.HasPrefix(row, "level") {
				continue
			}
		}
		if row == "" {
			continue
		}
		cols := strings.SplitN(row, "\t", 12)
		if len(cols) < 12 {
			continue
		}
		nums := make([]int, 10)
		for i := 0; i < 10; i++ {
			n, err := strconv.Atoi(cols[i])
			if err != nil {
				return nil, fmt.Errorf("column %d of %q: %w", i+1, row, err)
			}
			nums[i] = n
		}
		if nums[0] != tsvWordLevel {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(strings.TrimSpace(cols[10]), 64)
		if err != nil {
			return nil, fmt.Errorf("confidence of %q: %w", row, err)
		}

		key := lineKey{page: nums[1], block: nums[2], par: nums[3], line: nums[4]}
		left, top := float64(nums[6]), float64(nums[7])
		right, bottom := left+float64(nums[8]), top+float64(nums[9])

		a, ok := acc[key]
		if !ok {
			a = &lineAcc{x0: left, y0: top, x1: right, y1: bottom}
			acc[key] = a
			order = append(order, key)
		}
		a.words = append(a.words, text)
		a.x0, a.y0 = math.Min(a.x0, left), math.Min(a.y0, top)
		a.x1, a.y1 = math.Max(a.x1, right), math.Max(a.y1, bottom)
		if conf >= 0 {
			a.confSum += conf
			a.confCount++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	lines := make([]schema.TextLine, 0, len(order))
	for _, key := range order {
		a := acc[key]
		var conf float64
		if a.confCount > 0 {
			conf = a.confSum / float64(a.confCount) / 100
		}
		lines = append(lines, newTextLine(strings.Join(a.words, " "), conf, a.x0, a.y0, a.x1, a.y1))
	}
	return lines, nil
}

// FromLines joins line texts into the full text of a recognition.
func FromLines(lines []schema.TextLine) Recognition {
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	if lines == nil {
		lines = []schema.TextLine{}
	}
	return Recognition{Text: strings.Join(texts, "\n"), Lines: lines}
}

// newTextLine builds a line with an axis-aligned polygon, clockwise from the
// top-left corner.
func newTextLine(text string, conf, x0, y0, x1, y1 float64) schema.TextLine {
	return schema.TextLine{
		Text:       text,
		Confidence: math.Round(conf*10000) / 10000,
		BBox:       [4]float64{x0, y0, x1, y1},
		Polygon:    [][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}},
	}
}
