package handler

import (
	"net/http"

	"github.com/keygatedb/keygate/internal/service"
)

// DecideHandler exposes the decision core over HTTP so sidecar-less
// gateways and edge proxies can ask for verdicts.
type DecideHandler struct {
	decide *service.Decision
}

func NewDecideHandler(decide *service.Decision) *DecideHandler {
	return &DecideHandler{decide: decide}
}

// Decide evaluates one request and returns the full decision. The HTTP
// status of this endpoint is always 200; callers enforce the verdict
// using the allowed flag and status_hint.
// POST /api/v1/decide
func (h *DecideHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req service.Request
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.KeyID == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "key_id and secret are required")
		return
	}

	writeJSON(w, http.StatusOK, h.decide.Decide(r.Context(), req))
}
