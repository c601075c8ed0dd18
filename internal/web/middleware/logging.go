// Package middleware provides HTTP middleware for the web server.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/pendampingan/internal/logging"
)

type accessKey struct{}

// accessFields collects attributes added to the access log entry while the
// request is served.
type accessFields struct {
	attrs []any
}

// Annotate adds key=value to the access log entry of the request in ctx.
// It is a no-op outside Logger.
func Annotate(ctx context.Context, key string, value any) {
	if f, ok := ctx.Value(accessKey{}).(*accessFields); ok {
		f.attrs = append(f.attrs, key, value)
	}
}

// routeParams are the URL parameters copied into the access log.
var routeParams = []struct{ param, field string }{
	{"datasetID", "dataset_id"},
	{"runID", "run_id"},
	{"filename", "report"},
}

// Logger writes one access log entry per request, after the handler returns.
//
// Log fields:
//   - method, path, route: the chi route pattern, not the raw path
//   - status, bytes, duration_ms
//   - ip: RemoteAddr after TrustedRealIP
//   - dataset_id, run_id, report: when the route has them
//   - api_key: key fingerprint, when APIKeyAuth accepted one
//
// 5xx responses log at error, 4xx at warn.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fields := &accessFields{}
		r = r.WithContext(context.WithValue(r.Context(), accessKey{}, fields))

		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"bytes", ww.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", clientHost(r.RemoteAddr),
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				attrs = append(attrs, "route", pattern)
			}
			for _, p := range routeParams {
				if v := rctx.URLParam(p.param); v != "" {
					attrs = append(attrs, p.field, v)
				}
			}
		}
		attrs = append(attrs, fields.attrs...)

		logger := logging.FromContext(r.Context())
		switch {
		case ww.status >= http.StatusInternalServerError:
			logger.Error("request", attrs...)
		case ww.status >= http.StatusBadRequest:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status and size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the Flusher for SSE.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
