package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sentra.dev/internal/access"
	"sentra.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

const sessionKey ctxKey = 1

func contextWithSession(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, sessionKey, claims)
}

func sessionFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(sessionKey).(*auth.Claims)
	return claims, ok && claims != nil
}

// guard authenticates the bearer token when one is presented, then applies
// the route's access requirement before handing off to the handler. A
// presented-but-invalid token fails even public routes.
func (a *API) guard(req access.Requirement, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub *access.Subject
		ctx := r.Context()

		if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
			token, err := extractBearerToken(header)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			claims, err := a.auth.VerifySession(token)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			sub = &access.Subject{ID: claims.Subject, Roles: claims.Roles}
			ctx = contextWithSession(ctx, claims)
		}

		if err := a.access.Authorize(ctx, sub, req, r.URL.Path, requestMeta(r)); err != nil {
			handleDomainError(w, r, err)
			return
		}
		next(w, r.WithContext(ctx))
	}
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
