package pgx

import (
	"context"
	"errors"

	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const setVectorSQL = `
UPDATE entities
SET embedding = $2, embed_status = 'done', vector_ref = $3
WHERE entity_id = $1
RETURNING entity_id;
`

const markUnembeddableSQL = `
UPDATE entities
SET embed_status = $2
WHERE entity_id = $1
RETURNING entity_id;
`

const queryVectorsSQL = `
SELECT entity_id, 1 - (embedding <=> $1) AS score
FROM entities
WHERE embedding IS NOT NULL AND NOT deleted
ORDER BY embedding <=> $1
LIMIT $2;
`

const queryVectorsAmongSQL = `
SELECT entity_id, 1 - (embedding <=> $1) AS score
FROM entities
WHERE embedding IS NOT NULL AND NOT deleted AND entity_id = ANY($2)
ORDER BY embedding <=> $1
LIMIT $3;
`

func (g *Gateway) SetVector(ctx context.Context, entityID string, vec []float32) (string, error) {
	ref := "pgvector:" + entityID
	var id string
	err := g.db.QueryRow(ctx, setVectorSQL, entityID, pgvector.NewVector(vec), ref).Scan(&id)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return ref, nil
}

func (g *Gateway) MarkUnembeddable(ctx context.Context, entityID string, outcome common.EmbedOutcome) error {
	var id string
	err := g.db.QueryRow(ctx, markUnembeddableSQL, entityID, string(outcome)).Scan(&id)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (g *Gateway) QueryVectors(ctx context.Context, embedding []float32, k int) ([]store.VectorMatch, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := g.db.Query(ctx, queryVectorsSQL, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

func (g *Gateway) QueryVectorsAmong(ctx context.Context, candidates []string, embedding []float32, k int) ([]store.VectorMatch, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	rows, err := g.db.Query(ctx, queryVectorsAmongSQL, pgvector.NewVector(embedding), candidates, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

func scanMatches(rows pgxv5.Rows) ([]store.VectorMatch, error) {
	var out []store.VectorMatch
	for rows.Next() {
		var m store.VectorMatch
		if err := rows.Scan(&m.EntityID, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
