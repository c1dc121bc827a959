// Package httpapi exposes jobs, the live event stream and job artifacts over
// HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/tendant/simple-ocr/internal/pipeline"
	"github.com/tendant/simple-ocr/internal/upload"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// JobService is the job API the handlers drive.
type JobService interface {
	Create(ctx context.Context, filename string, data []byte) (pipeline.JobResult, error)
	Reprocess(ctx context.Context, jobID string) (pipeline.JobResult, error)
	List(ctx context.Context) ([]schema.JobSummary, error)
	Delete(ctx context.Context, jobID string) error
}

// Publisher broadcasts events to live observers.
type Publisher interface {
	Publish(message string, source schema.LogSource)
}

// RequestObserver records served requests.
type RequestObserver interface {
	ObserveRequest(method, route string, code int, d time.Duration)
}

// Config holds the dependencies and settings of the router.
type Config struct {
	Jobs      JobService
	Intake    *upload.Intake
	Publisher Publisher
	// Events serves the live event stream; nil disables the route.
	Events http.Handler
	// Metrics serves the Prometheus registry; nil disables the route.
	Metrics  http.Handler
	Observer RequestObserver
	Logger   *slog.Logger

	// JobsDir is served read-only under /{PublicPrefix}/.
	JobsDir        string
	PublicPrefix   string
	AllowedOrigins []string
}

type server struct {
	jobs      JobService
	intake    *upload.Intake
	publisher Publisher
	observer  RequestObserver
	logger    *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	s := &server{
		jobs:      cfg.Jobs,
		intake:    cfg.Intake,
		publisher: cfg.Publisher,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.intake == nil {
		s.intake = upload.NewIntake(25 << 20)
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthHandler)
	if cfg.Events != nil {
		r.Handle("/ws/logs", cfg.Events)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(httplog.RequestLogger(&httplog.Logger{
			Logger:  s.logger,
			Options: httplog.Options{LogLevel: slog.LevelInfo, Concise: true},
		}))
		r.Use(s.requestEvents)

		r.Post("/upload", s.upload)
		r.Get("/list-uploads", s.listUploads)
		r.Delete("/delete-upload/{id}", s.deleteUpload)
		r.Post("/process-existing/{id}", s.processExisting)

		if cfg.JobsDir != "" {
			prefix := "/" + strings.Trim(cfg.PublicPrefix, "/")
			if prefix == "/" {
				prefix = "/jobs"
			}
			r.Handle(prefix+"/*", artifactServer(prefix, cfg.JobsDir))
		}
	})
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// artifactServer serves job files. Hidden entries and directory listings
// are not exposed.
func artifactServer(prefix, dir string) http.Handler {
	files := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, prefix+"/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			http.NotFound(w, r)
			return
		}
		for _, seg := range strings.Split(rel, "/") {
			if seg == "" || strings.HasPrefix(seg, ".") {
				http.NotFound(w, r)
				return
			}
		}
		files.ServeHTTP(w, r)
	})
}
