package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/dbx"
)

// Store is the Postgres unit of work behind the sync core.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return dbx.Ping(ctx, s.pool)
}

func (s *Store) WithTx(ctx context.Context, opts store.TxOptions, fn func(store.Tx) error) error {
	txOpts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	if opts.Snapshot {
		txOpts.IsoLevel = pgx.RepeatableRead
	}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	return pgx.BeginTxFunc(ctx, s.pool, txOpts, func(tx pgx.Tx) error {
		return fn(&pgTx{db: tx})
	})
}

// pgTx implements store.Tx on a pgx transaction. Savepoints share the
// transaction timestamp of their parent.
type pgTx struct {
	db  pgx.Tx
	now *time.Time
}

var _ store.Tx = (*pgTx)(nil)

func (t *pgTx) Now(ctx context.Context) (time.Time, error) {
	if t.now != nil {
		return *t.now, nil
	}
	var now time.Time
	if err := t.db.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, err
	}
	now = now.UTC()
	t.now = &now
	return now, nil
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(store.Tx) error) error {
	if _, err := t.Now(ctx); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, t.db, func(inner pgx.Tx) error {
		return fn(&pgTx{db: inner, now: t.now})
	})
}
