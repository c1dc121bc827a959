package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/tendant/simple-ocr/internal/recognize"
)

type config struct {
	HTTPAddr        string
	JobsDir         string
	PublicPrefix    string
	MaxUploadBytes  int64
	RasterDPI       int
	StageTimeout    time.Duration
	ShutdownTimeout time.Duration
	Recognizer      recognize.Config
	SpellDict       string
	SpellLang       language.Tag
	EventBuffer     int
	CORSOrigins     []string

	NATSURL          string
	DoneSubject      string
	ReprocessSubject string
}

func loadConfig() (config, error) {
	cfg := config{
		HTTPAddr:         getenv("HTTP_ADDR", ":8000"),
		JobsDir:          getenv("JOBS_DIR", "./jobs"),
		PublicPrefix:     strings.Trim(getenv("PUBLIC_PREFIX", "jobs"), "/"),
		SpellDict:        getenv("SPELL_DICT", ""),
		NATSURL:          getenv("NATS_URL", ""),
		DoneSubject:      getenv("SUBJECT_JOB_DONE", "ocr.job.done"),
		ReprocessSubject: getenv("SUBJECT_REPROCESS", "ocr.job.reprocess"),
		CORSOrigins:      splitList(getenv("CORS_ORIGINS", "*")),
		Recognizer: recognize.Config{
			Engine:         getenv("RECOGNIZER", "tesseract"),
			Binary:         getenv("TESSERACT_BIN", "tesseract"),
			Lang:           getenv("TESSERACT_LANG", "eng"),
			TessdataPrefix: getenv("TESSDATA_PREFIX", ""),
		},
	}
	if cfg.PublicPrefix == "" {
		return config{}, fmt.Errorf("PUBLIC_PREFIX must not be empty")
	}

	maxMB, err := parsePositiveInt(getenv("MAX_UPLOAD_MB", "25"), "MAX_UPLOAD_MB")
	if err != nil {
		return config{}, err
	}
	cfg.MaxUploadBytes = int64(maxMB) << 20

	if cfg.RasterDPI, err = parsePositiveInt(getenv("RASTER_DPI", "216"), "RASTER_DPI"); err != nil {
		return config{}, err
	}
	if cfg.EventBuffer, err = parsePositiveInt(getenv("EVENT_BUFFER", "64"), "EVENT_BUFFER"); err != nil {
		return config{}, err
	}
	if cfg.Recognizer.Concurrency, err = parsePositiveInt(getenv("RECOGNIZER_CONCURRENCY", "1"), "RECOGNIZER_CONCURRENCY"); err != nil {
		return config{}, err
	}
	if cfg.StageTimeout, err = parseDuration(getenv("STAGE_TIMEOUT", "2m"), "STAGE_TIMEOUT"); err != nil {
		return config{}, err
	}
	if cfg.ShutdownTimeout, err = parseDuration(getenv("SHUTDOWN_TIMEOUT", "15s"), "SHUTDOWN_TIMEOUT"); err != nil {
		return config{}, err
	}

	cfg.SpellLang, err = language.Parse(getenv("SPELL_LANG", "und"))
	if err != nil {
		return config{}, fmt.Errorf("invalid SPELL_LANG: %w", err)
	}
	return cfg, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseDuration(value string, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
