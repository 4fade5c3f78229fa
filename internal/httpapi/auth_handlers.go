package httpapi

import (
	"net/http"
	"strings"
	"time"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/auth"
)

type tokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken lets an admin mint tokens for parties and services.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "subject is required")
		return
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if !auth.ValidRole(role) {
		writeError(w, r, http.StatusBadRequest, "role must be one of payer, payee, admin, system")
		return
	}

	token, err := auth.GenerateToken(subject, role, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"subject":    subject,
		"role":       role,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
