// cmd/backfill reruns the pipeline over jobs already in the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/tendant/simple-ocr/internal/bus"
	"github.com/tendant/simple-ocr/internal/converters"
	"github.com/tendant/simple-ocr/internal/jobs"
	"github.com/tendant/simple-ocr/internal/logging"
	"github.com/tendant/simple-ocr/internal/pipeline"
	"github.com/tendant/simple-ocr/internal/process"
	"github.com/tendant/simple-ocr/internal/recognize"
	"github.com/tendant/simple-ocr/internal/spell"
	"github.com/tendant/simple-ocr/internal/store"
	"github.com/tendant/simple-ocr/pkg/schema"
)

type config struct {
	JobsDir      string
	NATSURL      string
	DoneSubject  string
	RasterDPI    int
	StageTimeout time.Duration
	Recognizer   recognize.Config
	SpellDict    string
	SpellLang    language.Tag

	Workers     int
	Limit       int
	DryRun      bool
	Force       bool
	RetryFailed bool
}

func main() {
	_ = godotenv.Load()

	logger, err := logging.New(os.Stdout, getenv("LOG_FORMAT", "text"), getenv("LOG_LEVEL", "info"))
	if err != nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
		fatal(logger, "configure logger", err)
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("backfill starting",
		"jobs_dir", cfg.JobsDir,
		"workers", cfg.Workers,
		"limit", cfg.Limit,
		"dry_run", cfg.DryRun,
		"force", cfg.Force,
		"retry_failed", cfg.RetryFailed,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.JobsDir, store.WithLogger(logger))
	if err != nil {
		fatal(logger, "open job store", err, "jobs_dir", cfg.JobsDir)
	}
	registry := store.NewRegistry(st, logger)
	all, err := registry.List(ctx)
	if err != nil {
		fatal(logger, "scan job store", err)
	}

	selected := selectJobs(all, cfg)
	logger.Info("scanned job store", "total", len(all), "selected", len(selected))
	if cfg.DryRun {
		for _, j := range selected {
			logger.Info("would reprocess", "job_id", j.ID, "original", j.OriginalFile, "status", j.Status)
		}
		logger.Info("backfill complete", "selected", len(selected), "dry_run", true)
		return
	}

	recognizer, err := recognize.New(cfg.Recognizer)
	if err != nil {
		fatal(logger, "configure recognizer", err)
	}
	if err := recognizer.Ready(ctx); err != nil {
		logger.Warn("text recognition unavailable, jobs will complete degraded", "recognizer", recognizer.Name(), "err", err)
	}
	rasterizer := converters.NewPopplerConverter()
	rasterizer.SetDPI(cfg.RasterDPI)
	collab := pipeline.Collaborators{Rasterizer: rasterizer, Recognizer: recognizer}
	if checker := loadSpellChecker(cfg, logger); checker != nil {
		collab.Spell = checker
	}
	orchestrator := pipeline.New(st, collab,
		pipeline.WithLogger(logger),
		pipeline.WithStageTimeout(cfg.StageTimeout),
		pipeline.WithDPI(cfg.RasterDPI),
	)

	svcOpts := []jobs.Option{jobs.WithLogger(logger)}
	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL, "simple-ocr-backfill")
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "nats_url", cfg.NATSURL, "done_subject", cfg.DoneSubject)
		svcOpts = append(svcOpts, jobs.WithNotifier(bus.NewJobNotifier(nc, cfg.DoneSubject)))
	}
	svc := jobs.NewService(st, registry, orchestrator, svcOpts...)

	stats := backfill(ctx, svc, selected, cfg.Workers, logger)
	logger.Info("backfill complete",
		"selected", len(selected),
		"completed", stats.completed.Load(),
		"degraded", stats.degraded.Load(),
		"failed", stats.failed.Load(),
		"skipped", stats.skipped.Load(),
	)
	if stats.failed.Load() > 0 {
		os.Exit(2)
	}
}

type runStats struct {
	completed atomic.Int64
	degraded  atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Reprocessor is the slice of jobs.Service the backfill drives.
type Reprocessor interface {
	Reprocess(ctx context.Context, jobID string) (pipeline.JobResult, error)
}

// backfill reprocesses the selected jobs with at most workers runs in flight.
// Jobs that cannot be located are counted as skipped.
func backfill(ctx context.Context, svc Reprocessor, selected []schema.JobSummary, workers int, logger *slog.Logger) *runStats {
	stats := &runStats{}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, j := range selected {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			jobLogger := logger.With("job_id", j.ID)
			res, err := svc.Reprocess(ctx, j.ID)
			if err != nil {
				stats.skipped.Add(1)
				jobLogger.Warn("skipping job", "err", err)
				return nil
			}
			switch {
			case res.Status == process.JobStatusFailed:
				stats.failed.Add(1)
				jobLogger.Error("reprocess failed", "err", res.Err)
			case res.Degraded:
				stats.degraded.Add(1)
				jobLogger.Info("reprocessed job", "degraded", true, "elapsed", res.Elapsed)
			default:
				stats.completed.Add(1)
				jobLogger.Info("reprocessed job", "elapsed", res.Elapsed)
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

// selectJobs picks jobs without a result document, failed jobs when asked,
// or every job with force. Jobs currently being processed are never picked.
func selectJobs(all []schema.JobSummary, cfg config) []schema.JobSummary {
	var out []schema.JobSummary
	for _, j := range all {
		if cfg.Limit > 0 && len(out) >= cfg.Limit {
			break
		}
		switch process.JobStatus(j.Status) {
		case process.JobStatusProcessing:
			continue
		case process.JobStatusPending:
		case process.JobStatusFailed:
			if !cfg.RetryFailed && !cfg.Force {
				continue
			}
		default:
			if !cfg.Force {
				continue
			}
		}
		out = append(out, j)
	}
	return out
}

func loadConfig(args []string) (config, error) {
	cfg := config{
		JobsDir:     getenv("JOBS_DIR", "./jobs"),
		NATSURL:     getenv("NATS_URL", ""),
		DoneSubject: getenv("SUBJECT_JOB_DONE", "ocr.job.done"),
		SpellDict:   getenv("SPELL_DICT", ""),
		Recognizer: recognize.Config{
			Engine:         getenv("RECOGNIZER", "tesseract"),
			Binary:         getenv("TESSERACT_BIN", "tesseract"),
			Lang:           getenv("TESSERACT_LANG", "eng"),
			TessdataPrefix: getenv("TESSDATA_PREFIX", ""),
		},
	}

	var err error
	if cfg.RasterDPI, err = parsePositiveInt(getenv("RASTER_DPI", "216"), "RASTER_DPI"); err != nil {
		return config{}, err
	}
	if cfg.Recognizer.Concurrency, err = parsePositiveInt(getenv("RECOGNIZER_CONCURRENCY", "1"), "RECOGNIZER_CONCURRENCY"); err != nil {
		return config{}, err
	}
	if cfg.StageTimeout, err = time.ParseDuration(getenv("STAGE_TIMEOUT", "2m")); err != nil {
		return config{}, fmt.Errorf("invalid STAGE_TIMEOUT: %w", err)
	}
	if cfg.SpellLang, err = language.Parse(getenv("SPELL_LANG", "und")); err != nil {
		return config{}, fmt.Errorf("invalid SPELL_LANG: %w", err)
	}

	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fs.StringVar(&cfg.JobsDir, "jobs-dir", cfg.JobsDir, "Job store root")
	fs.IntVar(&cfg.Workers, "workers", cfg.Recognizer.Concurrency, "Jobs processed concurrently")
	fs.IntVar(&cfg.Limit, "limit", 0, "Maximum number of jobs to process (0 = unlimited)")
	fs.BoolVar(&cfg.DryRun, "dry-run", true, "List the jobs that would be processed without running them")
	fs.BoolVar(&cfg.Force, "force", false, "Reprocess every job, including completed ones")
	fs.BoolVar(&cfg.RetryFailed, "retry-failed", false, "Also reprocess jobs whose last run failed")
	var execute bool
	fs.BoolVar(&execute, "execute", false, "Actually run the pipeline (disables dry-run)")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if execute {
		cfg.DryRun = false
	}
	if cfg.Workers <= 0 {
		return config{}, fmt.Errorf("workers must be greater than zero (got %d)", cfg.Workers)
	}
	return cfg, nil
}

func loadSpellChecker(cfg config, logger *slog.Logger) *spell.Checker {
	if cfg.SpellDict != "" {
		checker, err := spell.Load(cfg.SpellDict, cfg.SpellLang)
		if err != nil {
			fatal(logger, "load dictionary", err, "path", cfg.SpellDict)
		}
		return checker
	}
	checker, path, ok := spell.LoadFirst(spell.DefaultDictionaries, cfg.SpellLang)
	if !ok {
		logger.Warn("no dictionary found, typo detection disabled")
		return nil
	}
	logger.Info("loaded dictionary", "path", path, "words", checker.Len())
	return checker
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

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
