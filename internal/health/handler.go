// Package health exposes the /api/v1/health and /api/v1/ready HTTP handlers.
package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/version"
)

// Pinger is implemented by anything that can check a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler holds the dependencies checked by the ready endpoint.
type Handler struct {
	checks    map[string]Pinger
	startTime time.Time
	timeout   time.Duration
}

// New creates a Handler that checks the database. db may be nil during
// startup; /ready then returns 503.
func New(db Pinger) *Handler {
	h := &Handler{checks: map[string]Pinger{}, startTime: time.Now(), timeout: 3 * time.Second}
	h.checks["database"] = db
	return h
}

// Add registers another named dependency for /ready.
func (h *Handler) Add(name string, p Pinger) *Handler {
	h.checks[name] = p
	return h
}

type healthAttrs struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuildDate     string `json:"build_date"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ServeHealth handles GET /api/v1/health.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type: "health",
		ID:   "1",
		Attributes: healthAttrs{
			Status:        "ok",
			Version:       version.Version,
			Commit:        version.Commit,
			BuildDate:     version.Date,
			UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		},
	})
}

// ServeReady handles GET /api/v1/ready. It returns 200 when every
// registered dependency answers its ping, and 503 listing the failures
// otherwise.
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := map[string]string{}
	var errs []jsonapi.ErrorObject
	for _, name := range names {
		p := h.checks[name]
		detail := ""
		if p == nil {
			detail = name + " is not initialised"
		} else if err := p.Ping(ctx); err != nil {
			detail = name + " is unreachable: " + err.Error()
		}
		if detail != "" {
			status[name] = "unavailable"
			errs = append(errs, jsonapi.ErrorObject{
				Status: http.StatusText(http.StatusServiceUnavailable),
				Code:   "dependency_unavailable",
				Title:  "Service Unavailable",
				Detail: detail,
				Source: &jsonapi.ErrorSource{Parameter: name},
			})
			continue
		}
		status[name] = "ok"
	}
	if len(errs) > 0 {
		jsonapi.RenderErrors(w, http.StatusServiceUnavailable, errs)
		return
	}

	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type:       "ready",
		ID:         "1",
		Attributes: map[string]any{"status": "ok", "checks": status},
	})
}
