package semantic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atticlabs/attic/internal/util"
	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/logger"
	"github.com/atticlabs/attic/pkg/store"
)

// Embedder turns text into a vector. Implementations wrap a model backend
// and are safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingError marks a backend failure after retries were exhausted. The
// entity stays structurally queryable; only its semantic vector is missing.
type EmbeddingError struct {
	EntityID string
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding for entity %s failed: %v", e.EntityID, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

type IndexerParams struct {
	Store    store.Gateway
	Embedder Embedder
	// MaxAttempts bounds embedding retries per entity before the entity is
	// marked unembeddable.
	MaxAttempts int
	// Backoff is the base delay between attempts.
	Backoff time.Duration
}

// Indexer attaches semantic vectors to already-stored entities. It runs
// after the structural pipeline has committed, so a backend outage never
// blocks ingestion.
type Indexer struct {
	store       store.Gateway
	embedder    Embedder
	maxAttempts int
	backoff     time.Duration
}

func NewIndexer(params IndexerParams) *Indexer {
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = int(util.GetEnvNumeric("AI_EMBED_MAX_ATTEMPTS", 3))
	}
	if params.Backoff <= 0 {
		params.Backoff = time.Second
	}
	return &Indexer{
		store:       params.Store,
		embedder:    params.Embedder,
		maxAttempts: params.MaxAttempts,
		backoff:     params.Backoff,
	}
}

// EmbedEntity computes and stores the vector for one entity.
//
// Entities with no text to embed are marked unembeddable and skipped.
// Backend failures are retried with backoff; after the last attempt the
// entity is marked unembeddable with a service-error outcome and the error
// is returned, so a queue consumer can still route the task to its retry
// flow. A later successful embed overwrites the mark.
func (x *Indexer) EmbedEntity(ctx context.Context, entityID string) error {
	entity, err := x.store.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("[Semantic] Entity vanished before embedding", "entity_id", entityID)
			return nil
		}
		return err
	}
	if entity.Deleted {
		logger.Debug("[Semantic] Skipping tombstoned entity", "entity_id", entityID)
		return nil
	}

	text := EmbeddableText(entity)
	if text == "" {
		logger.Debug("[Semantic] No embeddable content", "entity_id", entityID, "kind", entity.Kind)
		return x.store.MarkUnembeddable(ctx, entityID, common.EmbedFailedEmpty)
	}

	var vec []float32
	err = util.RetryErrWithBackoff(ctx, x.maxAttempts, x.backoff, func(ctx context.Context) error {
		var embedErr error
		vec, embedErr = x.embedder.Embed(ctx, text)
		return embedErr
	})
	if err != nil {
		if markErr := x.store.MarkUnembeddable(ctx, entityID, common.EmbedFailedService); markErr != nil {
			logger.Error("[Semantic] Failed to mark entity unembeddable", "entity_id", entityID, "err", markErr)
		}
		return &EmbeddingError{EntityID: entityID, Err: err}
	}

	ref, err := x.store.SetVector(ctx, entityID, vec)
	if err != nil {
		return err
	}
	logger.Debug("[Semantic] Vector attached", "entity_id", entityID, "vector_ref", ref, "dim", len(vec))
	return nil
}

// EmbedQuery turns free query text into a vector for similarity search.
func (x *Indexer) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return x.embedder.Embed(ctx, text)
}
