// Package middleware provides the HTTP middleware of the API.
package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/auth"
)

type contextKey string

const claimsKey contextKey = "auth_claims"

// Permissions checked by the API routes.
const (
	PermAlertGroupRead  = "alert_group:read"
	PermAlertGroupWrite = "alert_group:write"
	PermPagingWrite     = "paging:write"
	PermIntegrationEdit = "integration:write"
)

// rolePermissions maps built-in role names to their allowed permissions.
var rolePermissions = map[string][]string{
	"Viewer":            {PermAlertGroupRead},
	"Responder":         {PermAlertGroupRead, PermAlertGroupWrite, PermPagingWrite},
	"IncidentCommander": {PermAlertGroupRead, PermAlertGroupWrite, PermPagingWrite, PermIntegrationEdit},
	"Admin":             {"*"},
}

// RequireAuth validates the Bearer JWT in the Authorization header and
// injects its *auth.Claims into the request context. Failures get a 401.
func RequireAuth(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				jsonapi.RenderError(w, http.StatusUnauthorized,
					"missing_token", "Unauthorized", "Authorization header is required")
				return
			}
			claims, err := issuer.Parse(token)
			if err != nil {
				jsonapi.RenderError(w, http.StatusUnauthorized,
					"invalid_token", "Unauthorized", "access token is invalid or expired")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// ClaimsFromContext returns the claims injected by RequireAuth, or nil.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

// RequirePermission rejects requests whose roles do not grant perm. It must
// be chained after RequireAuth.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				jsonapi.RenderError(w, http.StatusUnauthorized,
					"missing_token", "Unauthorized", "authentication required")
				return
			}
			if !HasPermission(claims.Roles, perm) {
				jsonapi.RenderError(w, http.StatusForbidden,
					"forbidden", "Forbidden", "your roles do not grant the '"+perm+"' permission")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HasPermission reports whether any of roles grants perm.
func HasPermission(roles []string, perm string) bool {
	for _, role := range roles {
		perms := rolePermissions[role]
		if slices.Contains(perms, "*") || slices.Contains(perms, perm) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
