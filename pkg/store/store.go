package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atticlabs/attic/pkg/common"
)

// ErrNotFound is returned when an entity, edge, or cursor does not exist.
var ErrNotFound = errors.New("not found")

// ConflictError is returned by UpsertEntity when the expected version does
// not match the stored one: another pipeline committed a merge for the same
// entity in between. Callers re-read and re-apply their merge.
type ConflictError struct {
	EntityID        string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on entity %s: expected %d, stored %d", e.EntityID, e.ExpectedVersion, e.ActualVersion)
}

// StructuralQuery selects entity ids by exact criteria. Zero values mean
// "no constraint". Deleted entities are excluded unless IncludeDeleted.
type StructuralQuery struct {
	Kind           common.Kind
	From           time.Time
	To             time.Time
	IncludeDeleted bool
	Limit          int
}

// VectorMatch is one semantic similarity hit.
type VectorMatch struct {
	EntityID string
	Score    float64
}

// MergeRecord is the audit entry written for every identity-resolution
// merge. It carries enough to manually reverse a wrong merge.
type MergeRecord struct {
	EntityID    string
	Provider    string
	NativeID    string
	Fingerprint string
	Strategy    string
	Score       float64
	Candidates  []string
	MergedAt    time.Time
}

// Gateway is the single seam through which every component reads and
// writes the external store. All pipelines and the query engine share one
// gateway; writes to the same entity are serialized by the version check
// on UpsertEntity, reads are snapshot-consistent and never blocked by
// in-flight writes.
type Gateway interface {
	// GetEntity returns the entity with the given stable id, tombstoned or
	// not. ErrNotFound if it was never indexed.
	GetEntity(ctx context.Context, entityID string) (*common.CanonicalEntity, error)

	// GetByFingerprint returns the entity owning the fingerprint,
	// including a tombstoned one (the resolver may resurrect it).
	GetByFingerprint(ctx context.Context, fingerprint string) (*common.CanonicalEntity, error)

	// GetByProvenance returns the entity carrying a provenance entry for
	// (provider, nativeID). The relationship builder uses this to turn
	// provider-native parent references into entity ids.
	GetByProvenance(ctx context.Context, provider, nativeID string) (*common.CanonicalEntity, error)

	// CandidatesByKind returns recent non-deleted entities of a kind for
	// the resolver's similarity pass.
	CandidatesByKind(ctx context.Context, kind common.Kind, since time.Time, limit int) ([]common.CanonicalEntity, error)

	// UpsertEntity writes the entity if its stored version still equals
	// expectedVersion (0 for a brand-new entity) and returns the new
	// version. Returns *ConflictError on a version race.
	UpsertEntity(ctx context.Context, entity *common.CanonicalEntity, expectedVersion int64) (int64, error)

	// UpsertEdge inserts the edge or, if (from, to, kind) already exists,
	// keeps the stronger confidence. Never duplicates.
	UpsertEdge(ctx context.Context, edge common.RelationshipEdge) error

	// Traverse walks edges of the given kind outward from seed, bounded by
	// maxDepth. Edges to tombstoned entities are included; callers decide
	// how to present them.
	Traverse(ctx context.Context, seed string, kind common.RelationKind, maxDepth int) ([]common.RelationshipEdge, error)

	// QueryStructural returns matching entity ids.
	QueryStructural(ctx context.Context, q StructuralQuery) ([]string, error)

	// SetVector attaches a semantic vector to a stored entity and returns
	// the vector ref recorded on it.
	SetVector(ctx context.Context, entityID string, vec []float32) (string, error)

	// MarkUnembeddable records that the entity cannot get a vector, with a
	// reason code. The entity stays structurally queryable.
	MarkUnembeddable(ctx context.Context, entityID string, outcome common.EmbedOutcome) error

	// QueryVectors returns the top-k entities nearest to the embedding.
	QueryVectors(ctx context.Context, embedding []float32, k int) ([]VectorMatch, error)

	// QueryVectorsAmong scores only the given candidate ids, top-k. Used
	// by composite queries whose relational clauses already bounded the
	// candidate set.
	QueryVectorsAmong(ctx context.Context, candidates []string, embedding []float32, k int) ([]VectorMatch, error)

	// LoadCursor returns the cursor for (provider, account), or
	// ErrNotFound before first registration.
	LoadCursor(ctx context.Context, provider, account string) (*common.SyncCursor, error)

	// SaveCursor durably writes the cursor. Cursors are the only state the
	// core owns outside the entity graph.
	SaveCursor(ctx context.Context, cursor *common.SyncCursor) error

	// RecordMerge appends a merge audit entry.
	RecordMerge(ctx context.Context, rec MergeRecord) error

	// WithTx runs fn against a gateway bound to one transaction. The
	// sync coordinator commits each batch through this, so a failed batch
	// leaves no partial writes behind.
	WithTx(ctx context.Context, fn func(Gateway) error) error
}
