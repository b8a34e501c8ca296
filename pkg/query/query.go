package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atticlabs/attic/internal/util"
	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/logger"
	"github.com/atticlabs/attic/pkg/semantic"
	"github.com/atticlabs/attic/pkg/store"
)

// TimeRange filters entities whose timestamp span intersects [From, To].
// A zero bound means unbounded on that side.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// RelationClause walks edges of one kind outward from a seed entity,
// bounded by MaxDepth.
type RelationClause struct {
	Seed     string
	Kind     common.RelationKind
	MaxDepth int
}

// SemanticClause ranks candidates by similarity to free text.
type SemanticClause struct {
	Text string
	K    int
}

// CompositeQuery combines any of: kind filter, time range, relationship
// traversal, and semantic similarity. Nil clauses are skipped.
type CompositeQuery struct {
	Kind           common.Kind
	Time           *TimeRange
	Relation       *RelationClause
	Semantic       *SemanticClause
	IncludeDeleted bool
	Limit          int
}

// Hit is one ranked result. Score is the semantic similarity when the
// query had a semantic clause, otherwise 0. Tombstoned hits are only
// reachable through traversal or IncludeDeleted and are flagged so
// callers can present them as historical.
type Hit struct {
	Entity     *common.CanonicalEntity
	Score      float64
	Tombstoned bool
}

// Result carries the ranked hits. Degraded is set when the semantic
// clause had to be dropped because the embedding backend was unavailable;
// the hits are then purely structural.
type Result struct {
	Hits     []Hit
	Degraded bool
}

// Engine executes composite queries. Relational and structural clauses run
// first against exact indexes to bound the candidate set; semantic
// similarity scores only the survivors. That ordering is a cost decision:
// vector scoring is the expensive clause and must see the smallest
// possible input.
type Engine struct {
	store    store.Gateway
	embedder semantic.Embedder
	limit    int
}

type EngineParams struct {
	Store store.Gateway
	// Embedder may be nil; semantic clauses then fail rather than degrade.
	Embedder Embedder
	// DefaultLimit bounds result size when a query does not set one.
	DefaultLimit int
}

// Embedder is re-exported so callers wiring the engine don't need the
// semantic package for the type alone.
type Embedder = semantic.Embedder

func NewEngine(params EngineParams) *Engine {
	limit := params.DefaultLimit
	if limit <= 0 {
		limit = int(util.GetEnvNumeric("QUERY_DEFAULT_LIMIT", 50))
	}
	return &Engine{store: params.Store, embedder: params.Embedder, limit: limit}
}

// Search runs the query. At least one clause must be present.
func (e *Engine) Search(ctx context.Context, q CompositeQuery) (*Result, error) {
	if q.Kind == "" && q.Time == nil && q.Relation == nil && q.Semantic == nil {
		return nil, errors.New("query has no clauses")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = e.limit
	}

	bounded := false
	var candidates []string

	if q.Relation != nil {
		ids, err := e.traverse(ctx, q.Relation)
		if err != nil {
			return nil, err
		}
		candidates = ids
		bounded = true
	}

	if q.Kind != "" || q.Time != nil {
		ids, err := e.structural(ctx, q, limit)
		if err != nil {
			return nil, err
		}
		if bounded {
			candidates = intersect(candidates, ids)
		} else {
			candidates = ids
			bounded = true
		}
	}

	if q.Semantic == nil {
		return e.materialize(ctx, candidates, nil, q, limit)
	}

	scores, err := e.semanticScores(ctx, q.Semantic, candidates, bounded, limit)
	if err != nil {
		if !bounded {
			// Nothing to fall back on.
			return nil, err
		}
		logger.Warn("[Query] Semantic clause degraded to structural results", "err", err)
		res, mErr := e.materialize(ctx, candidates, nil, q, limit)
		if mErr != nil {
			return nil, mErr
		}
		res.Degraded = true
		return res, nil
	}

	ranked := make([]string, 0, len(scores))
	scoreByID := make(map[string]float64, len(scores))
	for _, m := range scores {
		ranked = append(ranked, m.EntityID)
		scoreByID[m.EntityID] = m.Score
	}
	return e.materialize(ctx, ranked, scoreByID, q, limit)
}

// traverse collects the entity ids reachable from the seed. The seed
// itself is not a result; callers asked what it relates to, not for it.
func (e *Engine) traverse(ctx context.Context, clause *RelationClause) ([]string, error) {
	if clause.Seed == "" {
		return nil, errors.New("relation clause has no seed")
	}
	depth := clause.MaxDepth
	if depth <= 0 {
		depth = 1
	}
	edges, err := e.store.Traverse(ctx, clause.Seed, clause.Kind, depth)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{clause.Seed: true}
	var out []string
	for _, edge := range edges {
		for _, id := range []string{edge.FromID, edge.ToID} {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (e *Engine) structural(ctx context.Context, q CompositeQuery, limit int) ([]string, error) {
	sq := store.StructuralQuery{
		Kind:           q.Kind,
		IncludeDeleted: q.IncludeDeleted,
		Limit:          limit,
	}
	if q.Time != nil {
		sq.From = q.Time.From
		sq.To = q.Time.To
	}
	return e.store.QueryStructural(ctx, sq)
}

// semanticScores embeds the query text and ranks. With a bounded candidate
// set only those ids are scored; a pure semantic query scans the whole
// vector index.
func (e *Engine) semanticScores(ctx context.Context, clause *SemanticClause, candidates []string, bounded bool, limit int) ([]store.VectorMatch, error) {
	if e.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	k := clause.K
	if k <= 0 {
		k = limit
	}

	vec, err := e.embedder.Embed(ctx, clause.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query text: %w", err)
	}

	if bounded {
		if len(candidates) == 0 {
			return nil, nil
		}
		return e.store.QueryVectorsAmong(ctx, candidates, vec, k)
	}
	return e.store.QueryVectors(ctx, vec, k)
}

// materialize loads entities, applies the tombstone policy, and assembles
// hits in the given order (semantic rank or structural recency).
func (e *Engine) materialize(ctx context.Context, ids []string, scoreByID map[string]float64, q CompositeQuery, limit int) (*Result, error) {
	res := &Result{}
	for _, id := range ids {
		if len(res.Hits) >= limit {
			break
		}
		entity, err := e.store.GetEntity(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if entity.Deleted && !q.IncludeDeleted && q.Relation == nil {
			continue
		}
		res.Hits = append(res.Hits, Hit{
			Entity:     entity,
			Score:      scoreByID[id],
			Tombstoned: entity.Deleted,
		})
	}
	if scoreByID != nil {
		sort.SliceStable(res.Hits, func(i, j int) bool {
			return res.Hits[i].Score > res.Hits[j].Score
		})
	}
	return res, nil
}

func intersect(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, id := range a {
		inA[id] = true
	}
	out := make([]string, 0, len(b))
	for _, id := range b {
		if inA[id] {
			out = append(out, id)
		}
	}
	return out
}
