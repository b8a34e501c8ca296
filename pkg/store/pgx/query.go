package pgx

import (
	"context"
	"fmt"
	"strings"

	"github.com/atticlabs/attic/pkg/store"
)

const defaultStructuralLimit = 500

func (g *Gateway) QueryStructural(ctx context.Context, q store.StructuralQuery) ([]string, error) {
	sql, args := buildStructuralSQL(q)
	rows, err := g.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// buildStructuralSQL assembles the entity-id selection for a structural
// query. Time-range clauses use the precomputed ts_min/ts_max columns: an
// entity matches when any of its source-reported timestamps overlaps the
// requested range.
func buildStructuralSQL(q store.StructuralQuery) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT entity_id FROM entities")

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !q.IncludeDeleted {
		conds = append(conds, "NOT deleted")
	}
	if q.Kind != "" {
		conds = append(conds, "kind = "+arg(string(q.Kind)))
	}
	if !q.From.IsZero() {
		conds = append(conds, "ts_max >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		conds = append(conds, "ts_min <= "+arg(q.To))
	}

	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultStructuralLimit
	}
	b.WriteString(" ORDER BY ts_max DESC LIMIT ")
	b.WriteString(arg(limit))
	b.WriteString(";")

	return b.String(), args
}
