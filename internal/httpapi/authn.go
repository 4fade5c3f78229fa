package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"escrowd.org/internal/audit"
	"escrowd.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	roleAdmin = auth.RoleAdmin
)

// withAuth requires a valid bearer token and attaches its principal.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="escrowd"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="escrowd", error="invalid_token"`)
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{ID: claims.Subject, Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects principals whose role is not listed.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="escrowd"`)
				writeError(w, r, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="escrowd", error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, auth.ErrForbidden.Error())
		})
	}
}

// actor maps the authenticated principal onto an audit actor.
func actor(r *http.Request) audit.Actor {
	p, _ := auth.PrincipalFromContext(r.Context())
	return audit.Actor{ID: p.ID, Type: audit.ActorType(p.Role)}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
