package handler

import (
	"log/slog"
	"net/http"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/escalation"
	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

// ChainHandler handles escalation chain edits.
type ChainHandler struct {
	db     *gorm.DB
	chains *escalation.ChainStore
	log    *slog.Logger
}

// NewChainHandler creates a ChainHandler.
func NewChainHandler(gdb *gorm.DB, chains *escalation.ChainStore, log *slog.Logger) *ChainHandler {
	return &ChainHandler{db: gdb, chains: chains, log: log}
}

func (h *ChainHandler) chain(w http.ResponseWriter, r *http.Request, u *model.User) *model.EscalationChain {
	var c model.EscalationChain
	err := h.db.WithContext(r.Context()).
		Where("id = ? AND organization_id = ?", r.PathValue("id"), orgOf(u)).
		Limit(1).Find(&c).Error
	if err != nil {
		renderServiceError(w, h.log, err)
		return nil
	}
	if c.ID == "" {
		renderNotFound(w, "escalation chain")
		return nil
	}
	return &c
}

func (h *ChainHandler) renderChain(w http.ResponseWriter, r *http.Request, status int, c *model.EscalationChain) {
	policies, err := h.chains.Policies(r.Context(), c.ID)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	specs := make([]map[string]any, 0, len(policies))
	for i := range policies {
		specs = append(specs, map[string]any{"id": policies[i].ID, "policy": escalation.SpecOf(&policies[i])})
	}
	jsonapi.RenderOne(w, status, jsonapi.ResourceObject{
		Type:       "escalation_chains",
		ID:         c.ID,
		Attributes: map[string]any{"name": c.Name, "policies": specs},
	})
}

type chainRequest struct {
	Name     string                  `json:"name"`
	Policies []escalation.PolicySpec `json:"policies"`
}

func policies(specs []escalation.PolicySpec) ([]*model.EscalationPolicy, error) {
	out := make([]*model.EscalationPolicy, 0, len(specs))
	for _, s := range specs {
		p, err := s.Policy()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Create handles POST /api/v1/escalation-chains.
func (h *ChainHandler) Create(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	var req chainRequest
	if err := jsonapi.Decode(r, &req); err != nil || req.Name == "" {
		renderBadRequest(w, "name is required")
		return
	}
	ps, err := policies(req.Policies)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	c, err := h.chains.CreateChain(r.Context(), orgOf(u), req.Name)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	if err := h.chains.ReplacePolicies(r.Context(), c.ID, ps); err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	h.renderChain(w, r, http.StatusCreated, c)
}

// Get handles GET /api/v1/escalation-chains/{id}.
func (h *ChainHandler) Get(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	if c := h.chain(w, r, u); c != nil {
		h.renderChain(w, r, http.StatusOK, c)
	}
}

// ReplacePolicies handles PUT /api/v1/escalation-chains/{id}/policies.
func (h *ChainHandler) ReplacePolicies(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	c := h.chain(w, r, u)
	if c == nil {
		return
	}
	var req chainRequest
	if err := jsonapi.Decode(r, &req); err != nil {
		renderBadRequest(w, "request body must be valid JSON")
		return
	}
	ps, err := policies(req.Policies)
	if err == nil {
		err = h.chains.ReplacePolicies(r.Context(), c.ID, ps)
	}
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	h.renderChain(w, r, http.StatusOK, c)
}

// AppendPolicy handles POST /api/v1/escalation-chains/{id}/policies.
func (h *ChainHandler) AppendPolicy(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	c := h.chain(w, r, u)
	if c == nil {
		return
	}
	var spec escalation.PolicySpec
	if err := jsonapi.Decode(r, &spec); err != nil {
		renderBadRequest(w, "request body must be valid JSON")
		return
	}
	p, err := spec.Policy()
	if err == nil {
		err = h.chains.AppendPolicy(r.Context(), c.ID, p)
	}
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	h.renderChain(w, r, http.StatusCreated, c)
}

type moveRequest struct {
	Position int `json:"position"`
}

// policyChain returns the chain owning the {policy} path value when u may
// edit it.
func (h *ChainHandler) policyChain(w http.ResponseWriter, r *http.Request, u *model.User) *model.EscalationChain {
	var c model.EscalationChain
	err := h.db.WithContext(r.Context()).
		Joins("JOIN escalation_policies ON escalation_policies.escalation_chain_id = escalation_chains.id").
		Where("escalation_policies.id = ? AND escalation_chains.organization_id = ?", r.PathValue("policy"), orgOf(u)).
		Limit(1).Find(&c).Error
	if err != nil {
		renderServiceError(w, h.log, err)
		return nil
	}
	if c.ID == "" {
		renderNotFound(w, "escalation policy")
		return nil
	}
	return &c
}

// MovePolicy handles POST /api/v1/escalation-policies/{policy}/move.
func (h *ChainHandler) MovePolicy(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	c := h.policyChain(w, r, u)
	if c == nil {
		return
	}
	var req moveRequest
	if err := jsonapi.Decode(r, &req); err != nil {
		renderBadRequest(w, "request body must be valid JSON")
		return
	}
	if err := h.chains.MovePolicy(r.Context(), r.PathValue("policy"), req.Position); err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	h.renderChain(w, r, http.StatusOK, c)
}

// DeletePolicy handles DELETE /api/v1/escalation-policies/{policy}.
func (h *ChainHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	u := currentUser(w, r, h.db)
	if u == nil {
		return
	}
	if c := h.policyChain(w, r, u); c == nil {
		return
	}
	if err := h.chains.DeletePolicy(r.Context(), r.PathValue("policy")); err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
