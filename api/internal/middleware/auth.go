package middleware

import (
	"net/http"
	"strings"

	"pos-sync-platform/shared/authx"
	"pos-sync-platform/shared/httpx"
	"pos-sync-platform/shared/metricsx"
)

// AuthMiddleware verifies operator bearer tokens. Device routes skip it and
// authenticate with request signatures instead.
type AuthMiddleware struct {
	Verifier authx.Verifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeFailedPrecondition, "operator auth not configured", nil)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			refuse(w, r, "missing_bearer", "missing bearer token")
			return
		}
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			refuse(w, r, "invalid_token", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(authx.WithAuth(r.Context(), auth)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func refuse(w http.ResponseWriter, r *http.Request, reason string, msg string) {
	metricsx.IncAuthFailure(reason)
	w.Header().Set("WWW-Authenticate", `Bearer realm="pos-sync"`)
	httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, msg, nil)
}
