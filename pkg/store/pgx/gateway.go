package pgx

import (
	"context"

	"github.com/atticlabs/attic/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Gateway implements store.Gateway on PostgreSQL with pgvector for
// similarity search. Concurrent pipelines share one Gateway over a pgxpool;
// write serialization comes from the version-checked upsert, not from locks
// in this package.
type Gateway struct {
	db pgxIConn
}

// NewGateway creates a Gateway over an existing connection or pool. The
// pool is expected to have pgvector types registered (see cmd main).
func NewGateway(db pgxIConn) *Gateway {
	return &Gateway{db: db}
}

// WithTx runs fn against a Gateway bound to a single transaction; the
// whole batch commits or rolls back as one unit.
func (g *Gateway) WithTx(ctx context.Context, fn func(store.Gateway) error) error {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&Gateway{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
