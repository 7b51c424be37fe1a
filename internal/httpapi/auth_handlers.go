package httpapi

import (
	"net/http"
	"strings"
	"time"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/auth"
)

type loginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.opts.AdminPasswordHash == "" {
		writeError(w, r, http.StatusForbidden, "password login is not configured")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, r, err)
		return
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		user = adminRole
	}
	if err := auth.VerifyPassword(a.opts.AdminPasswordHash, req.Password); err != nil {
		audit.Record(r.Context(), "admin.login.failed", map[string]any{"user": user, "remote_ip": clientIP(r)})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := a.deps.Signer.GenerateToken(user, []string{adminRole}, a.opts.AdminTokenTTL)
	if err != nil {
		adminError(w, r, err)
		return
	}
	audit.Record(audit.WithActor(r.Context(), "admin:"+user), "admin.token.issued", map[string]any{
		"user":       user,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt.UTC()})
}
