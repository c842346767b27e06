package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Observe logs every request, records its latency and turns panics into a
// JSON:API 500. Each request gets an X-Request-ID.
func Observe(log *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)
			rec := &statusRecorder{ResponseWriter: w}

			defer func() {
				if p := recover(); p != nil {
					log.Error("panic serving request", "request_id", requestID, "path", r.URL.Path, "panic", p)
					if rec.status == 0 {
						jsonapi.RenderError(rec, http.StatusInternalServerError,
							"internal_error", "Internal Server Error", "the request could not be completed")
					}
				}
				if rec.status == 0 {
					rec.status = http.StatusOK
				}
				elapsed := time.Since(start)
				m.HTTPRequest(r.Method, r.Pattern, rec.status, elapsed)
				level := slog.LevelDebug
				if rec.status >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				log.Log(r.Context(), level, "http request",
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"duration_ms", elapsed.Milliseconds(),
				)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// RateLimitByPathValue limits requests per value of the named path
// wildcard, such as an integration token. Limiters are created on first use.
func RateLimitByPathValue(name string, perSecond float64, burst int) func(http.Handler) http.Handler {
	var limiters sync.Map
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.PathValue(name)
			l, _ := limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(perSecond), burst))
			if !l.(*rate.Limiter).Allow() {
				w.Header().Set("Retry-After", "1")
				jsonapi.RenderError(w, http.StatusTooManyRequests,
					"rate_limited", "Too Many Requests", "too many requests for this "+name)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
