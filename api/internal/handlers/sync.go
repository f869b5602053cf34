// Package handlers exposes the device sync service over HTTP.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/devicesync"
	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/shared/authx"
	"pos-sync-platform/shared/branchx"
	"pos-sync-platform/shared/httpx"
	"pos-sync-platform/shared/logx"
)

const (
	HeaderDeviceID       = "X-Device-ID"
	HeaderBranchID       = "X-Branch-ID"
	HeaderTerminalCode   = "X-Terminal-Code"
	HeaderTimestamp      = "X-Request-Timestamp"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignature      = "X-Signature"

	defaultMaxBodyBytes = 1 << 20
	sinceSuffix         = "_since"
)

// SyncService is the surface of devicesync.Service the routes call.
type SyncService interface {
	RegisterDevice(ctx context.Context, req devicesync.RegisterRequest, actor models.Actor) (devicesync.RegisterResult, error)
	DisableDevice(ctx context.Context, deviceID uuid.UUID, actor models.Actor) (models.Device, error)
	Push(ctx context.Context, req devicesync.PushRequest) (devicesync.PushResult, error)
	Pull(ctx context.Context, req devicesync.PullRequest, body []byte) (devicesync.PullResult, error)
	Bootstrap(ctx context.Context, creds devicesync.Credentials, body []byte) (devicesync.BootstrapResult, error)
	ResolveConflict(ctx context.Context, conflictID uuid.UUID, req devicesync.ResolveRequest, actor models.Actor) (models.Conflict, error)
	ListConflicts(ctx context.Context, actor models.Actor, status string, limit int) ([]models.Conflict, error)
}

type Sync struct {
	Service      SyncService
	Logger       logx.Logger
	MaxBodyBytes int64
}

func (h Sync) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sync/devices/register", h.registerDevice)
	mux.HandleFunc("POST /api/v1/sync/devices/{id}/disable", h.disableDevice)
	mux.HandleFunc("POST /api/v1/sync/push", h.push)
	mux.HandleFunc("GET /api/v1/sync/pull", h.pull)
	mux.HandleFunc("GET /api/v1/sync/bootstrap", h.bootstrap)
	mux.HandleFunc("POST /api/v1/sync/conflicts/{id}/resolve", h.resolveConflict)
	mux.HandleFunc("GET /api/v1/sync/conflicts", h.listConflicts)
}

// IsDeviceRoute reports whether r authenticates with a device signature
// instead of an operator token.
func IsDeviceRoute(r *http.Request) bool {
	switch r.URL.Path {
	case "/api/v1/sync/push", "/api/v1/sync/pull", "/api/v1/sync/bootstrap":
		return true
	}
	return false
}

func (h Sync) registerDevice(w http.ResponseWriter, r *http.Request) {
	actor, ok := operatorActor(w, r)
	if !ok {
		return
	}
	var req devicesync.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.RegisterDevice(r.Context(), req, actor)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (h Sync) disableDevice(w http.ResponseWriter, r *http.Request) {
	actor, ok := operatorActor(w, r)
	if !ok {
		return
	}
	deviceID, ok := pathUUID(w, r, "device id")
	if !ok {
		return
	}
	device, err := h.Service.DisableDevice(r.Context(), deviceID, actor)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, device)
}

func (h Sync) push(w http.ResponseWriter, r *http.Request) {
	body, ok := h.body(w, r)
	if !ok {
		return
	}
	res, err := h.Service.Push(r.Context(), devicesync.PushRequest{
		Credentials: credentials(r),
		Body:        body,
		RequestID:   httpx.RequestIDFromContext(r.Context()),
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h Sync) pull(w http.ResponseWriter, r *http.Request) {
	body, ok := h.body(w, r)
	if !ok {
		return
	}
	req := devicesync.PullRequest{Credentials: credentials(r), Since: map[string]time.Time{}}
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		value := strings.TrimSpace(values[0])
		switch {
		case key == "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a non-negative integer", nil)
				return
			}
			req.Limit = n
		case strings.HasSuffix(key, sinceSuffix):
			ts, err := devicesync.ParseTime(value)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", key+" must be an ISO-8601 timestamp", nil)
				return
			}
			req.Since[strings.TrimSuffix(key, sinceSuffix)] = ts
		}
	}
	res, err := h.Service.Pull(r.Context(), req, body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h Sync) bootstrap(w http.ResponseWriter, r *http.Request) {
	body, ok := h.body(w, r)
	if !ok {
		return
	}
	res, err := h.Service.Bootstrap(r.Context(), credentials(r), body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h Sync) resolveConflict(w http.ResponseWriter, r *http.Request) {
	actor, ok := operatorActor(w, r)
	if !ok {
		return
	}
	conflictID, ok := pathUUID(w, r, "conflict id")
	if !ok {
		return
	}
	var req devicesync.ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	conflict, err := h.Service.ResolveConflict(r.Context(), conflictID, req, actor)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, conflict)
}

func (h Sync) listConflicts(w http.ResponseWriter, r *http.Request) {
	actor, ok := operatorActor(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	conflicts, err := h.Service.ListConflicts(r.Context(), actor, r.URL.Query().Get("status"), limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (h Sync) body(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, fits, err := httpx.ReadBody(w, r, limit)
	if !fits {
		httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", map[string]any{"limit_bytes": limit})
		return nil, false
	}
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "failed to read request body", nil)
		return nil, false
	}
	return body, true
}

func (h Sync) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	body, ok := h.body(w, r)
	if !ok {
		return false
	}
	if err := httpx.DecodeJSON(body, dest); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body", map[string]any{"reason": devicesync.ReasonInvalidBody})
		return false
	}
	return true
}

func (h Sync) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := devicesync.AsError(err); ok {
		httpx.WriteError(w, r, e.Status, e.Code, e.Message, map[string]any{"reason": e.Reason})
		return
	}
	h.Logger.Error(r.Context(), "sync_request_failed", "sync request failed",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

func credentials(r *http.Request) devicesync.Credentials {
	return devicesync.Credentials{
		DeviceID:       r.Header.Get(HeaderDeviceID),
		BranchID:       r.Header.Get(HeaderBranchID),
		TerminalCode:   r.Header.Get(HeaderTerminalCode),
		Timestamp:      strings.TrimSpace(r.Header.Get(HeaderTimestamp)),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
		Signature:      strings.TrimSpace(r.Header.Get(HeaderSignature)),
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid "+what, nil)
		return uuid.Nil, false
	}
	return id, true
}

// rolePriority orders operator roles from most to least privileged.
var rolePriority = []string{models.RoleOwner, models.RoleAdmin, models.RoleManager, models.RoleCashier}

func operatorActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
		return models.Actor{}, false
	}
	branchID, err := uuid.Parse(branchx.BranchIDFromContext(r.Context()))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing branch", nil)
		return models.Actor{}, false
	}
	actor := models.Actor{BranchID: branchID, ActorID: auth.Subject}
	for _, role := range rolePriority {
		if auth.HasAnyRole(role) {
			actor.Role = role
			break
		}
	}
	return actor, true
}
