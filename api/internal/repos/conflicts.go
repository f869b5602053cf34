package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

const conflictColumns = `conflict_id, event_id, branch_id, device_id, conflict_type, status, details, resolution, resolved_by, resolved_at, created_at, updated_at`

func scanConflict(row interface{ Scan(...any) error }) (models.Conflict, error) {
	var c models.Conflict
	var details, resolution []byte
	err := row.Scan(&c.ConflictID, &c.EventID, &c.BranchID, &c.DeviceID, &c.ConflictType, &c.Status, &details, &resolution, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Conflict{}, mapErr(err)
	}
	c.Details = details
	if len(resolution) > 0 {
		c.Resolution = resolution
	}
	return c, nil
}

func (t *pgTx) InsertConflict(ctx context.Context, conflict models.Conflict) (models.Conflict, error) {
	if conflict.ConflictID == uuid.Nil {
		conflict.ConflictID = uuid.New()
	}
	if conflict.Status == "" {
		conflict.Status = models.ConflictOpen
	}
	if conflict.CreatedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return models.Conflict{}, err
		}
		conflict.CreatedAt = now
	}
	return scanConflict(t.db.QueryRow(ctx, `
		INSERT INTO sync_conflicts (conflict_id, event_id, branch_id, device_id, conflict_type, status, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+conflictColumns+`
	`, conflict.ConflictID, conflict.EventID, conflict.BranchID, conflict.DeviceID, conflict.ConflictType, conflict.Status, jsonOrEmpty(conflict.Details), conflict.CreatedAt))
}

func (t *pgTx) LockConflict(ctx context.Context, conflictID uuid.UUID) (models.Conflict, error) {
	return scanConflict(t.db.QueryRow(ctx, `
		SELECT `+conflictColumns+`
		FROM sync_conflicts
		WHERE conflict_id = $1
		FOR UPDATE
	`, conflictID))
}

func (t *pgTx) CloseConflict(ctx context.Context, conflict models.Conflict) error {
	updatedAt := conflict.UpdatedAt
	if conflict.ResolvedAt != nil {
		updatedAt = *conflict.ResolvedAt
	}
	if updatedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return err
		}
		updatedAt = now
	}
	var resolution any
	if len(conflict.Resolution) > 0 {
		resolution = []byte(conflict.Resolution)
	}
	tag, err := t.db.Exec(ctx, `
		UPDATE sync_conflicts
		SET status = $2, resolution = $3, resolved_by = $4, resolved_at = $5, updated_at = $6
		WHERE conflict_id = $1
	`, conflict.ConflictID, conflict.Status, resolution, conflict.ResolvedBy, conflict.ResolvedAt, updatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListConflicts(ctx context.Context, branchID uuid.UUID, status string, limit int) ([]models.Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db.Query(ctx, `
		SELECT `+conflictColumns+`
		FROM sync_conflicts
		WHERE branch_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, conflict_id
		LIMIT $3
	`, branchID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Conflict, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertReconciliationTask(ctx context.Context, task models.ReconciliationTask) (models.ReconciliationTask, error) {
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	if task.Status == "" {
		task.Status = models.TaskOpen
	}
	if task.CreatedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return models.ReconciliationTask{}, err
		}
		task.CreatedAt = now
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO reconciliation_tasks (task_id, branch_id, conflict_id, event_id, product_id, order_id, task_type, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, task.TaskID, task.BranchID, task.ConflictID, task.EventID, task.ProductID, task.OrderID, task.TaskType, task.Status, jsonOrEmpty(task.Details), task.CreatedAt)
	if err != nil {
		return models.ReconciliationTask{}, err
	}
	return task, nil
}

func (t *pgTx) CompleteReconciliationTasks(ctx context.Context, conflictID uuid.UUID, at time.Time) (int, error) {
	tag, err := t.db.Exec(ctx, `
		UPDATE reconciliation_tasks
		SET status = $3, completed_at = $4
		WHERE conflict_id = $1 AND status = $2
	`, conflictID, models.TaskOpen, models.TaskDone, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
