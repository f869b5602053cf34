package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pos-sync-platform/api/internal/models"
)

func (t *pgTx) InsertSecurityAudit(ctx context.Context, entry models.SecurityAuditLog) error {
	if entry.CreatedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return err
		}
		entry.CreatedAt = now
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO security_audit_logs (branch_id, device_id, event_id, kind, severity, request_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.BranchID, entry.DeviceID, entry.EventID, entry.Kind, entry.Severity, nullIfEmpty(entry.RequestID), jsonOrEmpty(entry.Details), entry.CreatedAt)
	return err
}

func (t *pgTx) InsertPriceAudit(ctx context.Context, entry models.PriceChangeAudit) error {
	if entry.CreatedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return err
		}
		entry.CreatedAt = now
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO price_change_audits (
			branch_id, product_id, scope, old_price, new_price, old_version, new_version,
			device_id, event_id, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.BranchID, entry.ProductID, entry.Scope, entry.OldPrice, entry.NewPrice, entry.OldVersion, entry.NewVersion,
		entry.DeviceID, entry.EventID, nullIfEmpty(entry.ActorID), nullIfEmpty(entry.Reason), entry.CreatedAt)
	return err
}

// AuditRepo writes the operator HTTP audit trail outside of any sync
// transaction.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

var auditLogColumns = []string{
	"occurred_at", "branch_id", "subject", "action", "resource_type", "resource_id", "request_id",
	"method", "path", "status_code", "duration_ms", "client_ip", "user_agent", "details",
}

// WriteAuditLog bulk-loads entries with COPY.
func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []models.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditLogColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			if e.OccurredAt.IsZero() {
				e.OccurredAt = now
			}
			return []any{
				e.OccurredAt, e.BranchID, nullIfEmpty(e.Subject), e.Action, e.ResourceType, e.ResourceID,
				nullIfEmpty(e.RequestID), nullIfEmpty(e.Method), nullIfEmpty(e.Path), e.StatusCode, e.DurationMS,
				nullIfEmpty(e.ClientIP), nullIfEmpty(e.UserAgent), jsonOrEmpty(e.Details),
			}, nil
		}))
	return err
}
