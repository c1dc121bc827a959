package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/simple-ocr/pkg/schema"
)

// requestEvents announces every request and its response on the event
// stream and records it for metrics.
func (s *server) requestEvents(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.publish(fmt.Sprintf("Request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr), schema.SourceBackend)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.publish(fmt.Sprintf("Response: %d (took %.3fs)", status, elapsed.Seconds()), schema.SourceBackend)

		if s.observer != nil {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			s.observer.ObserveRequest(r.Method, route, status, elapsed)
		}
	})
}

func (s *server) publish(message string, source schema.LogSource) {
	if s.publisher != nil {
		s.publisher.Publish(message, source)
	}
}
