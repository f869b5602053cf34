package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pos-sync-platform/api/internal/handlers"
	"pos-sync-platform/api/internal/middleware"
	"pos-sync-platform/api/internal/repos"
	"pos-sync-platform/shared/httpx"
	"pos-sync-platform/shared/metricsx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func isPublic(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// Device routes authenticate with their HMAC headers inside devicesync,
// not with an operator token.
func isPublicOrDevice(r *http.Request) bool {
	return isPublic(r) || handlers.IsDeviceRoute(r)
}

// handler builds the middleware chain, outermost first: tracing, request
// log, panic recovery, request id, metrics, timeout, rate limit, operator
// auth, branch scope, audit, database guard.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /readyz", a.readyz)
	mux.Handle("GET /metrics", metricsx.Handler())
	handlers.Sync{
		Service:      a.service,
		Logger:       a.logger,
		MaxBodyBytes: int64(a.cfg.SyncMaxBodyBytes),
	}.Register(mux)

	var (
		pinger       middleware.Pinger
		branchLookup middleware.BranchLookup
		auditWriter  middleware.AuditWriter
	)
	if a.store != nil {
		pinger = a.store
		branchLookup = a.branches
		auditWriter = repos.NewAuditRepo(a.pool)
	}

	h := httpx.Routes(mux)
	h = middleware.DBRequiredMiddleware{DB: pinger, Skip: isPublic}.Wrap(h)
	h = middleware.AuditMiddleware{Enabled: a.cfg.AuditEnabled, Repo: auditWriter, Logger: a.logger, Skip: isPublic}.Wrap(h)
	h = middleware.BranchMiddleware{Branches: branchLookup, Skip: isPublicOrDevice}.Wrap(h)
	h = middleware.AuthMiddleware{Verifier: a.verifier, Skip: isPublicOrDevice}.Wrap(h)
	h = middleware.RateLimitMiddleware{
		Limiter: middleware.NewKeyedLimiter(a.cfg.DeviceRateLimitRPS, a.cfg.DeviceRateLimitBurst, 2*time.Minute),
		Skip:    isPublic,
	}.Wrap(h)
	h = httpx.WithTimeout(a.cfg.RequestTimeout, h)
	h = metricsx.Instrument(h)
	h = httpx.WithRequestID(h)
	h = httpx.WithRecover(a.logger, h)
	h = httpx.WithRequestLog(a.logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, h)
	return otelhttp.NewHandler(h, a.cfg.ServiceName)
}

func (a *app) status(s string) statusResponse {
	return statusResponse{Status: s, Service: a.cfg.ServiceName, Env: a.cfg.Env, Version: a.version}
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.status("ok"))
}

// readyz fails on configuration problems and on an unreachable database.
// Redis is optional at runtime: the settings cache falls through to
// Postgres and registration runs without the lock.
func (a *app) readyz(w http.ResponseWriter, r *http.Request) {
	if len(a.problems) > 0 {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeFailedPrecondition,
			"service not ready: invalid configuration", map[string]any{"problems": a.problems})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.store == nil || a.store.Ping(ctx) != nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeUnavailable,
			"service not ready: database unavailable", map[string]any{"problem": "db_ping_failed"})
		return
	}
	body := a.status("ready")
	if a.cache != nil && a.cache.Ping(ctx) != nil {
		a.logger.Warn(ctx, "redis_ping_failed", "redis unreachable; serving without cache")
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}
