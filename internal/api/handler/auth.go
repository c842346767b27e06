package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/auth"
	"github.com/d9705996/oncall/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler handles /api/v1/auth/* routes.
type AuthHandler struct {
	db      *gorm.DB
	issuer  *auth.Issuer
	refresh *auth.RefreshStore
	log     *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(gdb *gorm.DB, issuer *auth.Issuer, refresh *auth.RefreshStore, log *slog.Logger) *AuthHandler {
	return &AuthHandler{db: gdb, issuer: issuer, refresh: refresh, log: log}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"` //nolint:gosec // request field, never rendered
}

type tokenRequest struct {
	RefreshToken string `json:"refresh_token"` //nolint:gosec // request field, never rendered
}

type tokenAttrs struct {
	AccessToken  string `json:"access_token"`  //nolint:gosec // response of the token endpoints
	RefreshToken string `json:"refresh_token"` //nolint:gosec // response of the token endpoints
	TokenType    string `json:"token_type"`
}

func (h *AuthHandler) renderTokens(w http.ResponseWriter, u *model.User, refresh string) {
	access, err := h.issuer.Issue(u)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type: "auth_token",
		ID:   u.ID,
		Attributes: tokenAttrs{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
		},
	})
}

func (h *AuthHandler) activeUser(r *http.Request, where string, arg any) (*model.User, bool) {
	var u model.User
	err := h.db.WithContext(r.Context()).
		Where(where+" AND deactivated_at IS NULL", arg).
		Limit(1).Find(&u).Error
	return &u, err == nil && u.ID != ""
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := jsonapi.Decode(r, &req); err != nil {
		renderBadRequest(w, "request body must be valid JSON")
		return
	}
	if req.Email == "" || req.Password == "" {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "missing_field", "Unprocessable Entity", "email and password are required")
		return
	}

	u, ok := h.activeUser(r, "email = ?", req.Email)
	if !ok || u.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "invalid_credentials", "Unauthorized", "email or password is incorrect")
		return
	}

	refresh, err := h.refresh.Issue(r.Context(), u.ID)
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}
	h.log.Info("user logged in", "user_id", u.ID)
	h.renderTokens(w, u, refresh)
}

// Refresh handles POST /api/v1/auth/refresh. The presented refresh token is
// rotated: it stops working once a new one is returned.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := jsonapi.Decode(r, &req); err != nil || req.RefreshToken == "" {
		renderBadRequest(w, "refresh_token is required")
		return
	}

	refresh, userID, err := h.refresh.Rotate(r.Context(), req.RefreshToken)
	if errors.Is(err, auth.ErrInvalidRefreshToken) {
		jsonapi.RenderError(w, http.StatusUnauthorized, "invalid_token", "Unauthorized", "refresh token is invalid or expired")
		return
	}
	if err != nil {
		renderServiceError(w, h.log, err)
		return
	}

	u, ok := h.activeUser(r, "id = ?", userID)
	if !ok {
		jsonapi.RenderError(w, http.StatusUnauthorized, "user_not_found", "Unauthorized", "user account does not exist")
		return
	}
	h.renderTokens(w, u, refresh)
}

// Logout handles POST /api/v1/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := jsonapi.Decode(r, &req); err != nil || req.RefreshToken == "" {
		renderBadRequest(w, "refresh_token is required")
		return
	}
	// unknown tokens also get a 204 so callers cannot tell which tokens exist
	_ = h.refresh.Revoke(r.Context(), req.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}
