package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/d9705996/oncall/internal/alertgroup"
	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/logrecord"
	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// AlertGroupActions are served under POST /api/v1/alert-groups/{id}/<action>.
var AlertGroupActions = []string{
	"acknowledge", "unacknowledge", "resolve", "unresolve",
	"silence", "unsilence", "attach", "unattach", "wipe",
}

// AlertGroupHandler handles /api/v1/alert-groups routes.
type AlertGroupHandler struct {
	db     *gorm.DB
	groups *alertgroup.Service
	log    *slog.Logger
}

// NewAlertGroupHandler creates an AlertGroupHandler.
func NewAlertGroupHandler(gdb *gorm.DB, groups *alertgroup.Service, log *slog.Logger) *AlertGroupHandler {
	return &AlertGroupHandler{db: gdb, groups: groups, log: log}
}

type alertGroupAttrs struct {
	Number         int64      `json:"inside_organization_number"`
	Title          string     `json:"title"`
	State          string     `json:"state"`
	ChannelID      string     `json:"channel_id"`
	RouteID        string     `json:"route_id"`
	StartedAt      time.Time  `json:"started_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	SilencedUntil  *time.Time `json:"silenced_until"`
	WipedAt        *time.Time `json:"wiped_at"`
	Restricted     bool       `json:"is_restricted"`
	Maintenance    bool       `json:"is_maintenance_incident"`
}

func alertGroupResource(g *model.AlertGroup) jsonapi.ResourceObject {
	obj := jsonapi.ResourceObject{
		Type: "alert_groups",
		ID:   g.ID,
		Attributes: alertGroupAttrs{
			Number:         g.InsideOrganizationNumber,
			Title:          g.WebTitleCache,
			State:          g.State().String(),
			ChannelID:      g.ChannelID,
			RouteID:        g.RouteID,
			StartedAt:      g.StartedAt,
			AcknowledgedAt: g.AcknowledgedAt,
			ResolvedAt:     g.ResolvedAt,
			SilencedUntil:  g.SilencedUntil,
			WipedAt:        g.WipedAt,
			Restricted:     g.IsRestricted,
			Maintenance:    g.IsMaintenanceIncident(),
		},
		Relationships: map[string]jsonapi.Relationship{"root_alert_group": {}},
	}
	if g.RootAlertGroupID != nil {
		obj.Relationships["root_alert_group"] = jsonapi.Relationship{
			Data: &jsonapi.Identifier{Type: "alert_groups", ID: *g.RootAlertGroupID},
		}
	}
	return obj
}

// load returns the group named by the {id} path value when u may see it.
// It writes the error response and returns nil otherwise.
func (h *AlertGroupHandler) load(w http.ResponseWriter, r *http.Request, u *model.User) *model.AlertGroup {
	g, err := h.groups.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		renderServiceError(w, h.log, err)
		return nil
	}
	if !sameOrganization(u, g.OrganizationID) {
		renderNotFound(w, "alert group")
		return nil
	}
	return g
}

func (h *AlertGroupHandler) renderCurrent(w http.ResponseWriter, r *http.Request, id string) {
	g, err := h.groups.Get(r.Context(), id)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, alertGroupResource(g))
}

// Get handles GET /api/v1/alert-groups/{id}.
func (h *AlertGroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	if g := h.load(w, r, u); g != nil {
		jsonapi.RenderOne(w, http.StatusOK, alertGroupResource(g))
	}
}

type actionRequest struct {
	ResolutionNote   string `json:"resolution_note"`
	Delay            int    `json:"delay"`
	RootAlertGroupID string `json:"root_alert_group_id"`
}

// Action returns the handler of POST /api/v1/alert-groups/{id}/<action>.
// Silence takes a delay in seconds, where -1 silences forever; attach takes
// the root alert group id; resolve takes an optional resolution note.
func (h *AlertGroupHandler) Action(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(w, r, h.db)
		if u == nil {
			return
		}
		g := h.load(w, r, u)
		if g == nil {
			return
		}
		var req actionRequest
		if err := jsonapi.Decode(r, &req); err != nil {
			renderBadRequest(w, "request body must be valid JSON")
			return
		}

		ctx := r.Context()
		var err error
		switch action {
		case "acknowledge":
			err = h.groups.AcknowledgeByUser(ctx, g.ID, u)
		case "unacknowledge":
			err = h.groups.UnAcknowledgeByUser(ctx, g.ID, u)
		case "resolve":
			err = h.groups.ResolveByUser(ctx, g.ID, u, req.ResolutionNote)
		case "unresolve":
			err = h.groups.UnResolveByUser(ctx, g.ID, u)
		case "silence":
			err = h.groups.SilenceByUser(ctx, g.ID, u, time.Duration(req.Delay)*time.Second)
		case "unsilence":
			err = h.groups.UnSilenceByUser(ctx, g.ID, u)
		case "attach":
			if req.RootAlertGroupID == "" {
				renderBadRequest(w, "root_alert_group_id is required")
				return
			}
			err = h.groups.AttachByUser(ctx, g.ID, req.RootAlertGroupID, u)
		case "unattach":
			err = h.groups.UnAttachByUser(ctx, g.ID, u)
		case "wipe":
			err = h.groups.WipeByUser(ctx, g.ID, u)
		default:
			renderNotFound(w, "action")
			return
		}
		if err != nil {
			renderServiceError(w, h.log, err)
			return
		}
		h.log.Info("alert group action", "action", action, "alert_group_id", g.ID, "user_id", u.ID)
		h.renderCurrent(w, r, g.ID)
	}
}

// Delete handles DELETE /api/v1/alert-groups/{id}.
func (h *AlertGroupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	g := h.load(w, r, u)
	if g == nil {
		return
	}
	if err := h.groups.DeleteByUser(r.Context(), g.ID, u); err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkRequest struct {
	Action        string   `json:"action"`
	AlertGroupIDs []string `json:"alert_group_ids"`
	Delay         int      `json:"delay"`
}

// Bulk handles POST /api/v1/alert-groups/bulk. Ids of other organizations
// are ignored.
func (h *AlertGroupHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	var req bulkRequest
	if err := jsonapi.Decode(r, &req); err != nil || req.Action == "" {
		renderBadRequest(w, "action and alert_group_ids are required")
		return
	}

	var owned []string
	if len(req.AlertGroupIDs) > 0 && u.OrganizationID != nil {
		err := h.db.WithContext(r.Context()).Model(&model.AlertGroup{}).
			Where("id IN ? AND organization_id = ?", req.AlertGroupIDs, *u.OrganizationID).
			Pluck("id", &owned).Error
		if err != nil {
			renderServiceError(w, h.log, err)
			return
		}
	}
	if err := h.groups.Bulk(r.Context(), req.Action, u, owned, time.Duration(req.Delay)*time.Second); err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	h.log.Info("alert group bulk action", "action", req.Action, "alert_groups", len(owned), "user_id", u.ID)
	jsonapi.Render(w, http.StatusAccepted, jsonapi.Document{
		Data: nil,
		Meta: jsonapi.Meta{"action": req.Action, "alert_group_ids": owned},
	})
}

// Timeline handles GET /api/v1/alert-groups/{id}/timeline?format=plain|chat|html.
func (h *AlertGroupHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	target, ok := logrecord.ParseTarget(r.URL.Query().Get("format"))
	if !ok {
		jsonapi.RenderErrors(w, http.StatusBadRequest, []jsonapi.ErrorObject{{
			Status: http.StatusText(http.StatusBadRequest),
			Code:   "invalid_parameter",
			Title:  "Bad Request",
			Detail: "format must be plain, chat or html",
			Source: &jsonapi.ErrorSource{Parameter: "format"},
		}})
		return
	}
	g := h.load(w, r, u)
	if g == nil {
		return
	}
	entries, err := logrecord.Timeline(r.Context(), h.db, g.ID, target)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	data := make([]any, 0, len(entries))
	for i, e := range entries {
		data = append(data, jsonapi.ResourceObject{
			Type:       "timeline_entries",
			ID:         g.ID + "-" + strconv.Itoa(i),
			Attributes: e,
		})
	}
	jsonapi.RenderList(w, http.StatusOK, data, jsonapi.Meta{"alert_group_id": g.ID})
}
