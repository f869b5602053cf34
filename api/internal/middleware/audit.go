package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/shared/authx"
	"pos-sync-platform/shared/branchx"
	"pos-sync-platform/shared/httpx"
	"pos-sync-platform/shared/logx"
)

const syncPrefix = "/api/v1/sync/"

// AuditWriter persists request audit rows.
type AuditWriter interface {
	WriteAuditLog(ctx context.Context, logs []models.AuditLog) error
}

// AuditMiddleware records state-changing requests and every auth refusal.
// Rows are written after the response on a detached context so a slow
// audit table never delays devices.
type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &auditRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.code()
		if !shouldAudit(r, status) {
			return
		}
		entry := auditEntry(r, status, time.Since(start))
		go m.write(entry, timeout)
	})
}

func (m AuditMiddleware) write(entry models.AuditLog, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.Repo.WriteAuditLog(ctx, []models.AuditLog{entry}); err != nil {
		m.Logger.Warn(ctx, "audit_write_failed", "audit write failed",
			slog.String("error_code", httpx.CodeInternal),
			slog.String("request_id", entry.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

func auditEntry(r *http.Request, status int, elapsed time.Duration) models.AuditLog {
	resourceType, resourceID := resourceFromPath(r.URL.Path)
	entry := models.AuditLog{
		OccurredAt:   time.Now().UTC(),
		BranchID:     auditBranch(r),
		Subject:      auditSubject(r),
		Action:       actionForRequest(r, status),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    httpx.RequestIDFromContext(r.Context()),
		Method:       r.Method,
		Path:         r.URL.Path,
		StatusCode:   status,
		DurationMS:   elapsed.Milliseconds(),
		ClientIP:     httpx.ClientIP(r),
		UserAgent:    strings.TrimSpace(r.UserAgent()),
	}
	details := map[string]any{"status_code": status}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		details["idempotency_key"] = key
	}
	if b, err := json.Marshal(details); err == nil {
		entry.Details = b
	}
	return entry
}

// auditSubject prefers the verified operator. Device requests are keyed by
// the claimed device id; signature checks happen further in.
func auditSubject(r *http.Request) string {
	if auth, ok := authx.FromContext(r.Context()); ok {
		return auth.Subject
	}
	if id := strings.TrimSpace(r.Header.Get("X-Device-ID")); id != "" {
		return "device:" + id
	}
	return ""
}

func auditBranch(r *http.Request) *uuid.UUID {
	raw := branchx.BranchIDFromContext(r.Context())
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("X-Branch-ID"))
	}
	if id, err := uuid.Parse(raw); err == nil {
		return &id
	}
	return nil
}

func shouldAudit(r *http.Request, status int) bool {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return true
	case r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions:
		return true
	}
	return strings.HasPrefix(r.URL.Path, syncPrefix+"conflicts")
}

func actionForRequest(r *http.Request, status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "auth_failed"
	case http.StatusForbidden:
		return "forbidden"
	}
	switch r.Method {
	case http.MethodPost:
		path := strings.TrimRight(r.URL.Path, "/")
		switch verb := path[strings.LastIndexByte(path, '/')+1:]; verb {
		case "register", "disable", "resolve", "push":
			return verb
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "read"
}

// resourceFromPath maps /api/v1/sync/{resource}[/{id}/...] to a resource
// type and optional id.
func resourceFromPath(path string) (*string, *string) {
	rest, ok := strings.CutPrefix(path, syncPrefix)
	if !ok || rest == "" {
		return nil, nil
	}
	resource, tail, _ := strings.Cut(rest, "/")
	switch resource {
	case "push", "pull", "bootstrap":
		return &resource, nil
	case "devices", "conflicts":
	default:
		return nil, nil
	}
	id, _, _ := strings.Cut(tail, "/")
	if id = strings.TrimSpace(id); id == "" || id == "register" {
		return &resource, nil
	}
	return &resource, &id
}

type auditRecorder struct {
	http.ResponseWriter
	status int
}

func (w *auditRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *auditRecorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
