package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-ocr/internal/broadcast"
	"github.com/tendant/simple-ocr/internal/bus"
	"github.com/tendant/simple-ocr/internal/converters"
	"github.com/tendant/simple-ocr/internal/httpapi"
	"github.com/tendant/simple-ocr/internal/jobs"
	"github.com/tendant/simple-ocr/internal/logging"
	"github.com/tendant/simple-ocr/internal/metrics"
	"github.com/tendant/simple-ocr/internal/pipeline"
	"github.com/tendant/simple-ocr/internal/recognize"
	"github.com/tendant/simple-ocr/internal/spell"
	"github.com/tendant/simple-ocr/internal/store"
	"github.com/tendant/simple-ocr/internal/upload"
	"github.com/tendant/simple-ocr/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	logger, err := logging.New(os.Stdout, getenv("LOG_FORMAT", "text"), getenv("LOG_LEVEL", "info"))
	if err != nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
		fatal(logger, "configure logger", err)
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("server starting", "addr", cfg.HTTPAddr, "jobs_dir", cfg.JobsDir, "recognizer", cfg.Recognizer.Engine, "nats_url", cfg.NATSURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	hub := broadcast.NewHub(broadcast.WithLogger(logger), broadcast.WithMetrics(m), broadcast.WithBuffer(cfg.EventBuffer))
	hub.Publish("Application startup initiated", schema.SourceSystem)

	st, err := store.New(cfg.JobsDir, store.WithPublicPrefix(cfg.PublicPrefix), store.WithLogger(logger))
	if err != nil {
		fatal(logger, "open job store", err, "jobs_dir", cfg.JobsDir)
	}
	hub.Publish("Job storage ready at "+st.Root(), schema.SourceSystem)

	registry := store.NewRegistry(st, logger)
	existing, err := registry.List(ctx)
	if err != nil {
		fatal(logger, "scan job store", err, "jobs_dir", st.Root())
	}
	logger.Info("scanned job store", "jobs", len(existing))

	recognizer, err := recognize.New(cfg.Recognizer)
	if err != nil {
		fatal(logger, "configure recognizer", err)
	}
	if err := recognizer.Ready(ctx); err != nil {
		logger.Warn("text recognition unavailable, jobs will complete degraded", "recognizer", recognizer.Name(), "err", err)
		hub.Publish("Warning: text recognition unavailable: "+err.Error(), schema.SourceSystem)
	} else {
		logger.Info("recognizer ready", "recognizer", recognizer.Name(), "concurrency", recognizer.Width())
	}

	rasterizer := converters.NewPopplerConverter()
	rasterizer.SetDPI(cfg.RasterDPI)
	collab := pipeline.Collaborators{Rasterizer: rasterizer, Recognizer: recognizer}
	if checker := loadSpellChecker(cfg, logger); checker != nil {
		collab.Spell = checker
	} else {
		hub.Publish("Warning: no dictionary found, typo detection disabled", schema.SourceSystem)
	}

	orchestrator := pipeline.New(st, collab,
		pipeline.WithPublisher(hub),
		pipeline.WithObserver(m),
		pipeline.WithLogger(logger),
		pipeline.WithStageTimeout(cfg.StageTimeout),
		pipeline.WithDPI(cfg.RasterDPI),
	)

	svcOpts := []jobs.Option{jobs.WithPublisher(hub), jobs.WithLogger(logger)}
	var nc *bus.Client
	if cfg.NATSURL != "" {
		nc, err = bus.Connect(cfg.NATSURL, "simple-ocr")
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "nats_url", cfg.NATSURL, "done_subject", cfg.DoneSubject)
		svcOpts = append(svcOpts, jobs.WithNotifier(bus.NewJobNotifier(nc, cfg.DoneSubject)))
	}
	svc := jobs.NewService(st, registry, orchestrator, svcOpts...)

	if nc != nil {
		if _, err := nc.SubscribeJSON(cfg.ReprocessSubject, cfg.StageTimeout*5, func(ctx context.Context, data []byte) {
			handleReprocess(ctx, svc, data, logger)
		}); err != nil {
			fatal(logger, "subscribe reprocess requests", err, "subject", cfg.ReprocessSubject)
		}
		logger.Info("listening for reprocess requests", "subject", cfg.ReprocessSubject)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Config{
			Jobs:           svc,
			Intake:         upload.NewIntake(cfg.MaxUploadBytes),
			Publisher:      hub,
			Events:         hub.Handler(),
			Metrics:        m.Handler(),
			Observer:       m,
			Logger:         logger,
			JobsDir:        st.Root(),
			PublicPrefix:   cfg.PublicPrefix,
			AllowedOrigins: cfg.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()
	hub.Publish("Application startup complete", schema.SourceSystem)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server", err, "addr", cfg.HTTPAddr)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	hub.Close()
}

func loadSpellChecker(cfg config, logger *slog.Logger) *spell.Checker {
	if cfg.SpellDict != "" {
		checker, err := spell.Load(cfg.SpellDict, cfg.SpellLang)
		if err != nil {
			fatal(logger, "load dictionary", err, "path", cfg.SpellDict)
		}
		logger.Info("loaded dictionary", "path", cfg.SpellDict, "words", checker.Len())
		return checker
	}
	checker, path, ok := spell.LoadFirst(spell.DefaultDictionaries, cfg.SpellLang)
	if !ok {
		logger.Warn("no dictionary found, typo detection disabled", "tried", spell.DefaultDictionaries)
		return nil
	}
	logger.Info("loaded dictionary", "path", path, "words", checker.Len())
	return checker
}

func handleReprocess(ctx context.Context, svc *jobs.Service, data []byte, logger *slog.Logger) {
	var req bus.ReprocessRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
		logger.Warn("ignoring malformed reprocess request", "payload", string(data), "err", err)
		return
	}
	jobLogger := logger.With("job_id", req.ID)
	res, err := svc.Reprocess(ctx, req.ID)
	if err != nil {
		jobLogger.Warn("reprocess request rejected", "err", err)
		return
	}
	jobLogger.Info("reprocessed job", "status", res.Status, "degraded", res.Degraded, "elapsed", res.Elapsed)
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
