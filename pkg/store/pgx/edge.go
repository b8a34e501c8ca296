package pgx

import (
	"context"

	"github.com/atticlabs/attic/pkg/common"
)

const upsertEdgeSQL = `
INSERT INTO edges (from_id, to_id, kind, confidence, evidence)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (from_id, to_id, kind) DO UPDATE
SET confidence = GREATEST(edges.confidence, EXCLUDED.confidence),
    evidence   = CASE WHEN EXCLUDED.confidence > edges.confidence THEN EXCLUDED.evidence ELSE edges.evidence END;
`

const traverseSQL = `
WITH RECURSIVE walk AS (
	SELECT from_id, to_id, kind, confidence, evidence, 1 AS depth
	FROM edges
	WHERE from_id = $1 AND kind = $2
	UNION ALL
	SELECT e.from_id, e.to_id, e.kind, e.confidence, e.evidence, w.depth + 1
	FROM edges e
	JOIN walk w ON e.from_id = w.to_id
	WHERE w.depth < $3 AND e.kind = $2
)
SELECT DISTINCT from_id, to_id, kind, confidence, evidence FROM walk;
`

func (g *Gateway) UpsertEdge(ctx context.Context, edge common.RelationshipEdge) error {
	_, err := g.db.Exec(ctx, upsertEdgeSQL,
		edge.FromID, edge.ToID, string(edge.Kind), edge.Confidence, edge.Evidence)
	return err
}

func (g *Gateway) Traverse(ctx context.Context, seed string, kind common.RelationKind, maxDepth int) ([]common.RelationshipEdge, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	rows, err := g.db.Query(ctx, traverseSQL, seed, string(kind), maxDepth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.RelationshipEdge
	for rows.Next() {
		var e common.RelationshipEdge
		var k string
		if err := rows.Scan(&e.FromID, &e.ToID, &k, &e.Confidence, &e.Evidence); err != nil {
			return nil, err
		}
		e.Kind = common.RelationKind(k)
		out = append(out, e)
	}
	return out, rows.Err()
}
