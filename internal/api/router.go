// Package api wires all API routes onto the provided ServeMux.
package api

import (
	"net/http"

	"github.com/d9705996/oncall/internal/api/handler"
	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/api/middleware"
	"github.com/d9705996/oncall/internal/auth"
	"github.com/d9705996/oncall/internal/health"
)

// Handlers are the resource handlers served by the API.
type Handlers struct {
	Health       *health.Handler
	Auth         *handler.AuthHandler
	AlertGroups  *handler.AlertGroupHandler
	Paging       *handler.PagingHandler
	Integrations *handler.IntegrationHandler
	Chains       *handler.ChainHandler
}

// IngestLimit bounds alert ingestion per integration token.
type IngestLimit struct {
	PerSecond float64
	Burst     int
}

// RegisterRoutes registers all application routes on mux.
func RegisterRoutes(mux *http.ServeMux, h Handlers, issuer *auth.Issuer, limit IngestLimit) {
	// Public endpoints
	mux.HandleFunc("GET /api/v1/health", h.Health.ServeHealth)
	mux.HandleFunc("GET /api/v1/ready", h.Health.ServeReady)
	mux.HandleFunc("POST /api/v1/auth/login", h.Auth.Login)
	mux.HandleFunc("POST /api/v1/auth/refresh", h.Auth.Refresh)

	// Integrations authenticate with their channel token.
	ingest := middleware.RateLimitByPathValue("token", limit.PerSecond, limit.Burst)
	mux.Handle("POST /api/v1/integrations/{token}/alerts", ingest(http.HandlerFunc(h.Integrations.Ingest)))

	authed := middleware.RequireAuth(issuer)
	route := func(pattern, perm string, fn http.HandlerFunc) {
		var next http.Handler = fn
		if perm != "" {
			next = middleware.RequirePermission(perm)(next)
		}
		mux.Handle(pattern, authed(next))
	}

	route("POST /api/v1/auth/logout", "", h.Auth.Logout)

	// Alert groups
	route("GET /api/v1/alert-groups/{id}", middleware.PermAlertGroupRead, h.AlertGroups.Get)
	route("GET /api/v1/alert-groups/{id}/timeline", middleware.PermAlertGroupRead, h.AlertGroups.Timeline)
	route("DELETE /api/v1/alert-groups/{id}", middleware.PermAlertGroupWrite, h.AlertGroups.Delete)
	route("POST /api/v1/alert-groups/bulk", middleware.PermAlertGroupWrite, h.AlertGroups.Bulk)
	for _, action := range handler.AlertGroupActions {
		route("POST /api/v1/alert-groups/{id}/"+action, middleware.PermAlertGroupWrite, h.AlertGroups.Action(action))
	}

	// Direct paging
	route("POST /api/v1/pages", middleware.PermPagingWrite, h.Paging.PageNew)
	route("POST /api/v1/alert-groups/{id}/page", middleware.PermPagingWrite, h.Paging.Page)
	route("POST /api/v1/alert-groups/{id}/unpage", middleware.PermPagingWrite, h.Paging.Unpage)
	route("GET /api/v1/alert-groups/{id}/paged-users", middleware.PermAlertGroupRead, h.Paging.PagedUsers)

	// Integrations and escalation chains
	route("POST /api/v1/channels/{id}/maintenance", middleware.PermIntegrationEdit, h.Integrations.StartMaintenance)
	route("DELETE /api/v1/channels/{id}/maintenance", middleware.PermIntegrationEdit, h.Integrations.StopMaintenance)
	route("POST /api/v1/escalation-chains", middleware.PermIntegrationEdit, h.Chains.Create)
	route("GET /api/v1/escalation-chains/{id}", middleware.PermAlertGroupRead, h.Chains.Get)
	route("POST /api/v1/escalation-chains/{id}/policies", middleware.PermIntegrationEdit, h.Chains.AppendPolicy)
	route("PUT /api/v1/escalation-chains/{id}/policies", middleware.PermIntegrationEdit, h.Chains.ReplacePolicies)
	route("POST /api/v1/escalation-policies/{policy}/move", middleware.PermIntegrationEdit, h.Chains.MovePolicy)
	route("DELETE /api/v1/escalation-policies/{policy}", middleware.PermIntegrationEdit, h.Chains.DeletePolicy)

	mux.HandleFunc("/api/", func(w http.ResponseWriter, _ *http.Request) {
		jsonapi.RenderError(w, http.StatusNotFound, "not_found", "Not Found", "no such endpoint")
	})
}
