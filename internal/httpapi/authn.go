package httpapi

import (
	"net/http"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/auth"
)

const (
	authHeader = "Authorization"
	adminRole  = "admin"
)

// withPartner resolves the OCPI token to a partner. Registration-token
// holders pass; handlers past discovery and credentials reject them.
func (a *API) withPartner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.deps.Gate.Authenticate(r.Context(), r.Header.Get(authHeader))
		if err != nil {
			a.ocpiError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = audit.WithActor(ctx, principal.ID())
		setLogPartner(ctx, principal.ID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

// withAdmin requires a bearer token carrying the admin role.
func (a *API) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ParseBearer(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims, err := a.deps.Signer.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if !claims.HasRole(adminRole) {
			writeError(w, r, http.StatusForbidden, "admin role required")
			return
		}
		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = audit.WithActor(ctx, "admin:"+claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
