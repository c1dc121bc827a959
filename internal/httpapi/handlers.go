package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-ocr/internal/apperr"
	"github.com/tendant/simple-ocr/internal/pipeline"
	"github.com/tendant/simple-ocr/pkg/schema"
)

// upload creates a job from a multipart upload and runs it. Pipeline failures
// are answered with 200 and an error document; only request and storage
// problems change the status code.
func (s *server) upload(w http.ResponseWriter, r *http.Request) {
	src, err := s.intake.Read(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish("Starting upload for file: "+src.Filename, schema.SourceBackend)

	res, err := s.jobs.Create(r.Context(), src.Filename, src.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, res)
}

func (s *server) listUploads(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, schema.JobList{Jobs: jobs})
}

func (s *server) deleteUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, schema.StatusResponse{Status: schema.StatusSuccess, Message: "Job " + id + " deleted"})
}

func (s *server) processExisting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.publish("Starting processing for existing job: "+id, schema.SourceBackend)

	res, err := s.jobs.Reprocess(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, res)
}

func (s *server) writeResult(w http.ResponseWriter, r *http.Request, res pipeline.JobResult) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, res.Response())
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
	} else {
		s.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
	}

	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" && ae.Err == nil {
		msg = ae.Message
	}
	render.Status(r, code)
	render.JSON(w, r, schema.ErrorDocument{Status: schema.StatusError, Kind: string(kind), Message: msg})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAmbiguous:
		return http.StatusConflict
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
