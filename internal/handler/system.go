package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygatedb/keygate/internal/lifecycle"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/service"
	"github.com/keygatedb/keygate/internal/store"
)

// SystemHandler manages keygate's own state: admin sessions, API keys,
// and the configured rate-limit rules.
type SystemHandler struct {
	auth  *service.Auth
	keys  *service.Keys
	rules []model.RateLimitRule
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(auth *service.Auth, keys *service.Keys, rules []model.RateLimitRule) *SystemHandler {
	return &SystemHandler{
		auth:  auth,
		keys:  keys,
		rules: rules,
	}
}

// ---------------------------------------------------------------------------
// Admin sessions
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	AdminID   int64  `json:"admin_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
}

// Login authenticates an admin user and returns a JWT session token.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	admin, token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
		case errors.Is(err, service.ErrAdminDisabled):
			writeError(w, http.StatusUnauthorized, "Account is disabled")
		default:
			writeError(w, http.StatusInternalServerError, "Authentication error: "+err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(service.DefaultTokenTTL.Seconds()),
		AdminID:   admin.ID,
		Email:     admin.Email,
		Name:      admin.Name,
	})
}

// Logout invalidates the current session. Since JWTs are stateless, this is
// a no-op on the server side. Clients should discard their token.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session invalidated",
	})
}

// createAdminRequest is the payload for creating an admin account.
type createAdminRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// CreateAdmin registers a new admin account.
// POST /api/v1/system/admin
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	admin, err := h.auth.CreateAdmin(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create admin: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, admin)
}

// ---------------------------------------------------------------------------
// API key management
// ---------------------------------------------------------------------------

// createKeyResponse carries the new record plus the secret, which is
// shown exactly once.
type createKeyResponse struct {
	Key    *model.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

// ListAPIKeys returns all key records, newest first.
// GET /api/v1/system/api-key
func (h *SystemHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list keys: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// CreateAPIKey mints a new key pair.
// POST /api/v1/system/api-key
func (h *SystemHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var params service.CreateKeyParams
	if err := readJSON(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	key, secret, err := h.keys.Create(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create key: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: key, Secret: secret})
}

// GetAPIKey returns one key record.
// GET /api/v1/system/api-key/{keyId}
func (h *SystemHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Get(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		h.writeKeyError(w, err, "Failed to load key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// RevokeAPIKey permanently invalidates a key.
// DELETE /api/v1/system/api-key/{keyId}
func (h *SystemHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Revoke(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		h.writeKeyError(w, err, "Failed to revoke key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// ActivateAPIKey re-enables a suspended key.
// POST /api/v1/system/api-key/{keyId}/activate
func (h *SystemHandler) ActivateAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Activate(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		h.writeKeyError(w, err, "Failed to activate key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// DeactivateAPIKey suspends a key without destroying it.
// POST /api/v1/system/api-key/{keyId}/deactivate
func (h *SystemHandler) DeactivateAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Deactivate(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		h.writeKeyError(w, err, "Failed to deactivate key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// rotateKeyRequest optionally overrides the grace window.
type rotateKeyRequest struct {
	Grace string `json:"grace,omitempty"`
}

// RotateAPIKey issues a replacement credential. The old key keeps
// validating until its grace window ends.
// POST /api/v1/system/api-key/{keyId}/rotate
func (h *SystemHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	var grace time.Duration
	if req.Grace != "" {
		g, err := time.ParseDuration(req.Grace)
		if err != nil || g <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid grace duration: "+req.Grace)
			return
		}
		grace = g
	}

	key, secret, err := h.keys.Rotate(r.Context(), chi.URLParam(r, "keyId"), grace)
	if err != nil {
		h.writeKeyError(w, err, "Failed to rotate key")
		return
	}
	writeJSON(w, http.StatusOK, createKeyResponse{Key: key, Secret: secret})
}

// ListLimits returns the active rate-limit rules in evaluation order.
// GET /api/v1/system/limits
func (h *SystemHandler) ListLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"limits": h.rules,
		"count":  len(h.rules),
	})
}

func (h *SystemHandler) writeKeyError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Key not found")
	case errors.Is(err, lifecycle.ErrTerminalStatus):
		writeError(w, http.StatusConflict, msg+": "+err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, msg+": concurrent update, retry")
	default:
		writeError(w, http.StatusInternalServerError, msg+": "+err.Error())
	}
}
