package middleware

import (
	"context"
	"net/http"

	"pos-sync-platform/shared/httpx"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DBRequiredMiddleware answers 503 for every routed request while the
// service runs without a store. Reachability is left to /readyz.
type DBRequiredMiddleware struct {
	DB   Pinger
	Skip func(*http.Request) bool
}

func (m DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	if m.DB != nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "30")
		httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeUnavailable, "database not configured", nil)
	})
}
