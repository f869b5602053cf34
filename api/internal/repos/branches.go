package repos

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"pos-sync-platform/api/internal/models"
)

type BranchesRepo struct {
	pool *pgxpool.Pool
}

func NewBranchesRepo(pool *pgxpool.Pool) *BranchesRepo {
	return &BranchesRepo{pool: pool}
}

const branchColumns = `branch_id, code, name, timezone, active, open_hours, features, updated_at`

func scanSettings(row interface{ Scan(...any) error }) (models.BranchSettings, error) {
	var (
		s         models.BranchSettings
		openHours []byte
		features  []byte
	)
	if err := row.Scan(&s.BranchID, &s.Code, &s.Name, &s.Timezone, &s.Active, &openHours, &features, &s.UpdatedAt); err != nil {
		return models.BranchSettings{}, mapErr(err)
	}
	if len(openHours) > 0 {
		if err := json.Unmarshal(openHours, &s.OpenHours); err != nil {
			return models.BranchSettings{}, fmt.Errorf("decode open_hours for branch %s: %w", s.BranchID, err)
		}
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &s.Features); err != nil {
			return models.BranchSettings{}, fmt.Errorf("decode features for branch %s: %w", s.BranchID, err)
		}
	}
	return s, nil
}

func (r *BranchesRepo) CreateBranch(ctx context.Context, code string, name string, timezone string) (models.Branch, error) {
	var b models.Branch
	err := r.pool.QueryRow(ctx, `
		INSERT INTO branches (code, name, timezone)
		VALUES ($1, $2, COALESCE(NULLIF($3, ''), 'UTC'))
		RETURNING branch_id, code, name, timezone, active, created_at
	`, code, name, timezone).Scan(&b.BranchID, &b.Code, &b.Name, &b.Timezone, &b.Active, &b.CreatedAt)
	return b, mapErr(err)
}

// LoadSettings satisfies branches.Source.
func (r *BranchesRepo) LoadSettings(ctx context.Context, branchID uuid.UUID) (models.BranchSettings, error) {
	return scanSettings(r.pool.QueryRow(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE branch_id = $1
	`, branchID))
}

func (r *BranchesRepo) GetBranchByCode(ctx context.Context, code string) (models.BranchSettings, error) {
	return scanSettings(r.pool.QueryRow(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE upper(code) = upper($1)
	`, code))
}
