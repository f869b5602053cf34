package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/authx"
	"pos-sync-platform/shared/branchx"
	"pos-sync-platform/shared/httpx"
)

// BranchLookup resolves the X-Branch-Code header.
type BranchLookup interface {
	GetBranchByCode(ctx context.Context, code string) (models.BranchSettings, error)
}

// BranchMiddleware scopes operator requests to one branch. Device routes
// carry their own branch header, checked against the device record.
type BranchMiddleware struct {
	Branches BranchLookup
	Skip     func(*http.Request) bool
}

func (m BranchMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		branchID := strings.TrimSpace(r.Header.Get("X-Branch-ID"))
		branchCode := strings.TrimSpace(r.Header.Get("X-Branch-Code"))
		if branchID == "" && branchCode == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing branch header", nil)
			return
		}

		var branch branchx.BranchContext
		if branchCode != "" {
			if m.Branches == nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "branch repository not configured", nil)
				return
			}
			record, err := m.Branches.GetBranchByCode(r.Context(), branchCode)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "branch not found", nil)
					return
				}
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve branch", nil)
				return
			}
			if branchID != "" && !strings.EqualFold(branchID, record.BranchID.String()) {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "branch mismatch", nil)
				return
			}
			branchID = record.BranchID.String()
			branch.Code = record.Code
		}

		parsed, err := uuid.Parse(branchID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid branch id", nil)
			return
		}
		branch.ID = parsed.String()

		if auth, ok := authx.FromContext(r.Context()); ok && !auth.CanAccessBranch(branch.ID) {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "branch not allowed", nil)
			return
		}

		ctx := branchx.WithBranch(r.Context(), branch)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
