package handler

import (
	"log/slog"
	"net/http"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/model"
	"github.com/d9705996/oncall/internal/notify"
	"gorm.io/gorm"
)

// PagingHandler handles direct paging routes.
type PagingHandler struct {
	db    *gorm.DB
	pager *notify.Pager
	log   *slog.Logger
}

// NewPagingHandler creates a PagingHandler.
func NewPagingHandler(gdb *gorm.DB, pager *notify.Pager, log *slog.Logger) *PagingHandler {
	return &PagingHandler{db: gdb, pager: pager, log: log}
}

type pageTarget struct {
	ID        string `json:"id"`
	Important bool   `json:"important"`
}

type pageRequest struct {
	Title     string       `json:"title"`
	Message   string       `json:"message"`
	TeamID    *string      `json:"team_id"`
	Users     []pageTarget `json:"users"`
	Schedules []pageTarget `json:"schedules"`
}

func targets(in []pageTarget) []notify.Target {
	out := make([]notify.Target, 0, len(in))
	for _, t := range in {
		out = append(out, notify.Target{ID: t.ID, Important: t.Important})
	}
	return out
}

// groupInOrganization checks that the {id} alert group belongs to u's
// organization, writing a 404 when it does not.
func (h *PagingHandler) groupInOrganization(w http.ResponseWriter, r *http.Request, u *model.User) (string, bool) {
	id := r.PathValue("id")
	var n int64
	err := h.db.WithContext(r.Context()).Model(&model.AlertGroup{}).
		Where("id = ? AND organization_id = ?", id, orgOf(u)).Count(&n).Error
	if err != nil {
		renderServiceError(w, h.log, err)
		return "", false
	}
	if n == 0 {
		renderNotFound(w, "alert group")
		return "", false
	}
	return id, true
}

func orgOf(u *model.User) string {
	if u.OrganizationID == nil {
		return ""
	}
	return *u.OrganizationID
}

func (h *PagingHandler) page(w http.ResponseWriter, r *http.Request, u *model.User, alertGroupID string) {
	var req pageRequest
	if err := jsonapi.Decode(r, &req); err != nil {
		renderBadRequest(w, "request body must be valid JSON")
		return
	}
	if alertGroupID == "" && req.Title == "" {
		req.Title = "Direct page from " + u.DisplayName()
	}
	g, err := h.pager.DirectPage(r.Context(), notify.PageRequest{
		OrganizationID: orgOf(u),
		TeamID:         req.TeamID,
		From:           u,
		Title:          req.Title,
		Message:        req.Message,
		AlertGroupID:   alertGroupID,
		Users:          targets(req.Users),
		Schedules:      targets(req.Schedules),
	})
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	h.log.Info("direct page", "alert_group_id", g.ID, "user_id", u.ID,
		"users", len(req.Users), "schedules", len(req.Schedules))
	status := http.StatusOK
	if alertGroupID == "" {
		status = http.StatusCreated
	}
	jsonapi.RenderOne(w, status, alertGroupResource(g))
}

// Page handles POST /api/v1/alert-groups/{id}/page.
func (h *PagingHandler) Page(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	if id, ok := h.groupInOrganization(w, r, u); ok {
		h.page(w, r, u, id)
	}
}

// PageNew handles POST /api/v1/pages: it opens a new alert group on the
// team's direct paging integration and pages it.
func (h *PagingHandler) PageNew(w http.ResponseWriter, r *http.Request) {
	if u := currentUser(w, r, h.db); u != nil {
		h.page(w, r, u, "")
	}
}

type unpageRequest struct {
	UserID string `json:"user_id"`
}

// Unpage handles POST /api/v1/alert-groups/{id}/unpage.
func (h *PagingHandler) Unpage(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	id, ok := h.groupInOrganization(w, r, u)
	if !ok {
		return
	}
	var req unpageRequest
	if err := jsonapi.Decode(r, &req); err != nil || req.UserID == "" {
		renderBadRequest(w, "user_id is required")
		return
	}
	if err := h.pager.UnpageUser(r.Context(), id, req.UserID, u); err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PagedUsers handles GET /api/v1/alert-groups/{id}/paged-users.
func (h *PagingHandler) PagedUsers(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	id, ok := h.groupInOrganization(w, r, u)
	if !ok {
		return
	}
	paged, err := h.pager.GetPagedUsers(r.Context(), id)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	data := make([]any, 0, len(paged))
	for _, p := range paged {
		data = append(data, jsonapi.ResourceObject{
			Type:       "paged_users",
			ID:         p.UserID,
			Attributes: map[string]bool{"important": p.Important},
		})
	}
	jsonapi.RenderList(w, http.StatusOK, data, nil)
}
