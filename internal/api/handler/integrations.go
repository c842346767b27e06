package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/ingest"
	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// maxMaintenance bounds the duration of a maintenance window.
const maxMaintenance = 24 * time.Hour

// IntegrationHandler handles alert ingestion and channel maintenance.
type IntegrationHandler struct {
	db          *gorm.DB
	ingest      *ingest.Service
	maintenance *ingest.Maintenance
	log         *slog.Logger
}

// NewIntegrationHandler creates an IntegrationHandler.
func NewIntegrationHandler(gdb *gorm.DB, svc *ingest.Service, maintenance *ingest.Maintenance, log *slog.Logger) *IntegrationHandler {
	return &IntegrationHandler{db: gdb, ingest: svc, maintenance: maintenance, log: log}
}

func str(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// Ingest handles POST /api/v1/integrations/{token}/alerts. The channel
// token authenticates the request; the JSON body is the alert payload.
func (h *IntegrationHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ch, err := h.ingest.ChannelByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	var payload map[string]any
	if err := jsonapi.Decode(r, &payload); err != nil {
		renderBadRequest(w, "alert payload must be a JSON object")
		return
	}

	alert, g, err := h.ingest.IngestAlert(r.Context(), ch, ingest.Alert{
		Title:                 str(payload, "title"),
		Message:               str(payload, "message"),
		ImageURL:              str(payload, "image_url"),
		LinkToUpstreamDetails: str(payload, "link_to_upstream_details"),
		Payload:               payload,
	})
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusAccepted, jsonapi.ResourceObject{
		Type:       "alerts",
		ID:         alert.ID,
		Attributes: map[string]any{"title": alert.Title, "created_at": alert.CreatedAt},
		Relationships: map[string]jsonapi.Relationship{
			"alert_group": {Data: &jsonapi.Identifier{Type: "alert_groups", ID: g.ID}},
		},
	})
}

// channel loads the {id} channel when u may manage it.
func (h *IntegrationHandler) channel(w http.ResponseWriter, r *http.Request, u *model.User) *model.Channel {
	var ch model.Channel
	err := h.db.WithContext(r.Context()).
		Where("id = ? AND organization_id = ?", r.PathValue("id"), orgOf(u)).
		Limit(1).Find(&ch).Error
	if err != nil {
		renderServiceError(w, h.log, err)
		return nil
	}
	if ch.ID == "" {
		renderNotFound(w, "channel")
		return nil
	}
	return &ch
}

type maintenanceRequest struct {
	Mode     string `json:"mode"`
	Duration int    `json:"duration"`
}

func maintenanceResource(ch *model.Channel) jsonapi.ResourceObject {
	attrs := map[string]any{"maintenance_mode": nil, "maintenance_started_at": ch.MaintenanceStartedAt}
	if ch.MaintenanceMode != nil {
		attrs["maintenance_mode"] = ch.MaintenanceMode.String()
	}
	if ch.MaintenanceDuration != nil {
		attrs["maintenance_duration"] = int(ch.MaintenanceDuration.Seconds())
	}
	return jsonapi.ResourceObject{Type: "channels", ID: ch.ID, Attributes: attrs}
}

// StartMaintenance handles POST /api/v1/channels/{id}/maintenance. Mode is
// "debug" or "maintenance"; duration is in seconds.
func (h *IntegrationHandler) StartMaintenance(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	ch := h.channel(w, r, u)
	if ch == nil {
		return
	}
	var req maintenanceRequest
	if err := jsonapi.Decode(r, &req); err != nil {
		renderBadRequest(w, "request body must be valid JSON")
		return
	}
	var mode model.MaintenanceMode
	switch req.Mode {
	case "debug":
		mode = model.MaintenanceDebug
	case "maintenance":
		mode = model.MaintenanceFull
	default:
		renderBadRequest(w, "mode must be debug or maintenance")
		return
	}
	d := time.Duration(req.Duration) * time.Second
	if d <= 0 || d > maxMaintenance {
		renderBadRequest(w, "duration must be between 1 second and 24 hours")
		return
	}

	updated, err := h.maintenance.StartMaintenance(r.Context(), ch.ID, mode, d, u)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, maintenanceResource(updated))
}

// StopMaintenance handles DELETE /api/v1/channels/{id}/maintenance.
func (h *IntegrationHandler) StopMaintenance(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	ch := h.channel(w, r, u)
	if ch == nil {
		return
	}
	if err := h.maintenance.StopMaintenance(r.Context(), ch.ID); err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
