package repos

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgxpool"

	"pos-sync-platform/shared/dbx"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates missing tables and indexes. Every statement is
// idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return dbx.Exec(ctx, pool, "CREATE EXTENSION IF NOT EXISTS pgcrypto", schemaSQL)
}
