// Package handler contains HTTP handlers grouped by resource.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/d9705996/oncall/internal/alertgroup"
	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/api/middleware"
	"github.com/d9705996/oncall/internal/escalation"
	"github.com/d9705996/oncall/internal/ingest"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/notify"
	"github.com/d9705996/oncall/internal/schedule"
	"gorm.io/gorm"
)

// errStatus maps domain errors to HTTP statuses and error codes.
var errStatus = []struct {
	err    error
	status int
	code   string
}{
	{alertgroup.ErrNotFound, http.StatusNotFound, "not_found"},
	{ingest.ErrChannelNotFound, http.StatusNotFound, "not_found"},
	{escalation.ErrChainNotFound, http.StatusNotFound, "not_found"},
	{escalation.ErrPolicyNotFound, http.StatusNotFound, "not_found"},
	{notify.ErrUserNotFound, http.StatusNotFound, "not_found"},
	{schedule.ErrNotFound, http.StatusNotFound, "not_found"},
	{alertgroup.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{ingest.ErrMaintenanceAlreadyActive, http.StatusConflict, "maintenance_active"},
	{ingest.ErrMaintenanceNotActive, http.StatusConflict, "maintenance_inactive"},
	{notify.ErrDuplicateDirectPaging, http.StatusConflict, "duplicate"},
	{alertgroup.ErrResolutionNoteRequired, http.StatusUnprocessableEntity, "resolution_note_required"},
	{notify.ErrNothingToPage, http.StatusUnprocessableEntity, "nothing_to_page"},
	{escalation.ErrInvalidPolicy, http.StatusUnprocessableEntity, "invalid_policy"},
}

// renderServiceError writes the response for an error returned by a
// service. Unknown errors are logged and hidden behind a 500.
func renderServiceError(w http.ResponseWriter, log *slog.Logger, err error) {
	for _, e := range errStatus {
		if errors.Is(err, e.err) {
			jsonapi.RenderError(w, e.status, e.code, http.StatusText(e.status), err.Error())
			return
		}
	}
	log.Error("request failed", "err", err)
	jsonapi.RenderError(w, http.StatusInternalServerError,
		"internal_error", "Internal Server Error", "the request could not be completed")
}

func renderBadRequest(w http.ResponseWriter, detail string) {
	jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", detail)
}

func renderNotFound(w http.ResponseWriter, what string) {
	jsonapi.RenderError(w, http.StatusNotFound, "not_found", "Not Found", what+" not found")
}

// currentUser loads the active user named by the request's access token.
// It writes a 401 and returns nil when there is none.
func currentUser(w http.ResponseWriter, r *http.Request, gdb *gorm.DB) *model.User {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "missing_token", "Unauthorized", "authentication required")
		return nil
	}
	var u model.User
	err := gdb.WithContext(r.Context()).
		Where("id = ? AND deactivated_at IS NULL", claims.UserID).
		Limit(1).Find(&u).Error
	if err != nil || u.ID == "" {
		jsonapi.RenderError(w, http.StatusUnauthorized, "user_not_found", "Unauthorized", "user account does not exist")
		return nil
	}
	return &u
}

// sameOrganization reports whether u may see objects of orgID.
func sameOrganization(u *model.User, orgID string) bool {
	return u.OrganizationID != nil && *u.OrganizationID == orgID
}
