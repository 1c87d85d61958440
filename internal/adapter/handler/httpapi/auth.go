package httpapi

import (
	"net/http"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
)

const sessionCookieName = "session_token"

// Authenticator guards the API with the documented precedence: API key
// header first, then API-key query parameter, then session cookie. The
// scheduler itself never derives identity beyond this check. With no
// keys configured authentication is disabled (local development).
type Authenticator struct {
	enabled     bool
	apiKeys     map[string]struct{}
	sessionKeys map[string]struct{}
}

func NewAuthenticator(apiKeys, sessionKeys []string) *Authenticator {
	a := &Authenticator{
		enabled:     len(apiKeys)+len(sessionKeys) > 0,
		apiKeys:     make(map[string]struct{}, len(apiKeys)),
		sessionKeys: make(map[string]struct{}, len(sessionKeys)),
	}
	for _, k := range apiKeys {
		a.apiKeys[k] = struct{}{}
	}
	for _, k := range sessionKeys {
		a.sessionKeys[k] = struct{}{}
	}
	return a
}

// Middleware rejects unauthenticated requests with the standard error
// triple.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeRequestError(w, &domain.RequestError{
			Code:       "unauthorized",
			Detail:     "missing or invalid credentials",
			UserAction: "Provide a valid API key or sign in again.",
		})
	})
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" {
		_, ok := a.apiKeys[key]
		return ok
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		_, ok := a.apiKeys[key]
		return ok
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		_, ok := a.sessionKeys[cookie.Value]
		return ok
	}
	return false
}
