// cmd/process-page runs the OCR pipeline on one local file without the
// server, the event stream or NATS.
//
// Usage:
//
//	./process-page -input scan.png
//	./process-page -input contract.pdf -out ./work -v
//	./process-page -input contract.pdf -probe  # Show PDF metadata only
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/tendant/simple-ocr/internal/converters"
	"github.com/tendant/simple-ocr/internal/img"
	"github.com/tendant/simple-ocr/internal/pipeline"
	"github.com/tendant/simple-ocr/internal/recognize"
	"github.com/tendant/simple-ocr/internal/spell"
	"github.com/tendant/simple-ocr/internal/store"
	"github.com/tendant/simple-ocr/pkg/schema"
)

type stderrPublisher struct{}

func (stderrPublisher) Publish(message string, source schema.LogSource) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", source, message)
}

func main() {
	input := flag.String("input", "", "Input file path (required)")
	outDir := flag.String("out", "", "Keep the job directory under this root (default: scratch directory, removed)")
	probe := flag.Bool("probe", false, "Show PDF metadata only (don't process)")
	engine := flag.String("recognizer", "tesseract", "Recognizer: tesseract, gosseract or none")
	lang := flag.String("lang", "eng", "Recognition language")
	dpi := flag.Int("dpi", converters.DefaultDPI, "Rasterization resolution for PDFs")
	dict := flag.String("dict", "", "Word list for typo detection (default: system dictionary)")
	timeout := flag.Int("timeout", 120, "Per-stage timeout in seconds")
	verbose := flag.Bool("v", false, "Print pipeline events to stderr")
	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}
	data, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	mimeType := img.DetectMime(data, *input)
	ctx := context.Background()

	rasterizer := converters.NewPopplerConverter()
	rasterizer.SetDPI(*dpi)

	if *probe {
		if !rasterizer.Supports(mimeType) {
			log.Fatalf("probe supports PDFs only, got %s", mimeType)
		}
		info, err := rasterizer.Probe(ctx, *input)
		if err != nil {
			log.Fatalf("probe: %v", err)
		}
		printFileInfo(info)
		return
	}

	root, scratch := *outDir, ""
	if root == "" {
		root, err = os.MkdirTemp("", "process-page-")
		if err != nil {
			log.Fatalf("create scratch directory: %v", err)
		}
		scratch = root
		defer os.RemoveAll(scratch)
	}
	st, err := store.New(root)
	if err != nil {
		log.Fatalf("open job store: %v", err)
	}

	recognizer, err := recognize.New(recognize.Config{Engine: *engine, Lang: *lang, Concurrency: 1})
	if err != nil {
		log.Fatalf("configure recognizer: %v", err)
	}
	if err := recognizer.Ready(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	collab := pipeline.Collaborators{Rasterizer: rasterizer, Recognizer: recognizer}
	if checker := loadDictionary(*dict); checker != nil {
		collab.Spell = checker
	}
	opts := []pipeline.Option{pipeline.WithStageTimeout(time.Duration(*timeout) * time.Second), pipeline.WithDPI(*dpi)}
	if *verbose {
		opts = append(opts, pipeline.WithPublisher(stderrPublisher{}))
	}
	orchestrator := pipeline.New(st, collab, opts...)

	jobID, err := st.CreateJob()
	if err != nil {
		log.Fatalf("create job: %v", err)
	}
	original, err := st.SaveOriginal(jobID, filepath.Base(*input), data)
	if err != nil {
		log.Fatalf("save original: %v", err)
	}

	res := orchestrator.Run(ctx, jobID, original)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Response()); err != nil {
		log.Fatalf("encode result: %v", err)
	}
	if *outDir != "" {
		fmt.Fprintf(os.Stderr, "artifacts kept in %s\n", filepath.Join(root, jobID))
	}
	if res.Err != nil {
		os.RemoveAll(scratch)
		os.Exit(2)
	}
}

func loadDictionary(path string) *spell.Checker {
	if path != "" {
		checker, err := spell.Load(path, language.Und)
		if err != nil {
			log.Fatalf("load dictionary: %v", err)
		}
		return checker
	}
	checker, _, ok := spell.LoadFirst(spell.DefaultDictionaries, language.Und)
	if !ok {
		return nil
	}
	return checker
}

func printFileInfo(info *converters.FileInfo) {
	fmt.Println("File Metadata:")
	fmt.Println(strings.Repeat("-", 40))
	if info.Pages > 0 {
		fmt.Printf("Pages: %d\n", info.Pages)
	}
	if info.Width > 0 && info.Height > 0 {
		fmt.Printf("First page: %dx%d pixels at 96 DPI\n", info.Width, info.Height)
	}
	if info.Size > 0 {
		fmt.Printf("File Size: %s\n", formatBytes(info.Size))
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
