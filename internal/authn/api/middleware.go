package api

import (
	"net/http"

	"gatekeeper/internal/api"
	"gatekeeper/internal/authn"
)

// RequireAuth gates a route group on a valid access token. The validation
// result rides the request context for handlers downstream.
func RequireAuth(svc *authn.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := api.BearerToken(r)
			if err != nil {
				api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}
			result, err := svc.Validate(r.Context(), token)
			if err != nil {
				respondAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), result)))
		})
	}
}

// RequireScope gates a route group on the identity carrying a scope. Must sit
// inside RequireAuth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := Identity(r.Context())
			if err != nil {
				api.RespondError(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}
			for _, s := range identity.Scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			api.RespondError(w, r, http.StatusForbidden, "insufficient permissions")
		})
	}
}
