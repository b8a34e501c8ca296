package common

import (
	"time"
)

// Kind identifies the variant of a canonical entity. Each kind carries its
// own attribute set in CanonicalEntity.Attributes.
type Kind string

const (
	KindFile           Kind = "file"
	KindEvent          Kind = "event"
	KindMessage        Kind = "message"
	KindLocationSample Kind = "location_sample"
)

// TimestampLabel gives a timestamp its semantic meaning. Sources disagree
// about what "the" time of an object is, so every canonical entity keeps
// the union of labeled, source-attributed timestamps instead of a scalar.
type TimestampLabel string

const (
	TimestampCreated  TimestampLabel = "created"
	TimestampModified TimestampLabel = "modified"
	TimestampObserved TimestampLabel = "observed"
	TimestampChanged  TimestampLabel = "changed"
)

// SourcedTimestamp is one timestamp as reported by one provider.
type SourcedTimestamp struct {
	Label    TimestampLabel `json:"label"`
	Value    time.Time      `json:"value"`
	Provider string         `json:"provider"`
}

// ProvenanceEntry records that a provider has reported this entity. The set
// only grows; a provider that stops reporting an entity gets a tombstone on
// the entity, never a removed provenance row.
type ProvenanceEntry struct {
	Provider string    `json:"provider"`
	NativeID string    `json:"native_id"`
	Cursor   string    `json:"cursor"`
	SeenAt   time.Time `json:"seen_at"`
}

// CanonicalEntity is the unit of indexing: the deduplicated,
// provider-independent record representing one real-world item.
//
// EntityID is assigned once, on first successful resolution, and never
// changes. Fingerprint is the deterministic content hash used as the
// primary deduplication key: at most one non-deleted entity exists per
// fingerprint. Version is the optimistic-concurrency token checked by the
// storage gateway on every upsert.
type CanonicalEntity struct {
	EntityID    string             `json:"entity_id"`
	Fingerprint string             `json:"fingerprint"`
	Kind        Kind               `json:"kind"`
	Attributes  map[string]any     `json:"attributes"`
	Timestamps  []SourcedTimestamp `json:"timestamps"`
	Provenance  []ProvenanceEntry  `json:"provenance"`
	VectorRef   string             `json:"vector_ref,omitempty"`
	Deleted     bool               `json:"deleted"`
	Version     int64              `json:"version"`
}

// HasProvenance reports whether the entity already carries a provenance
// entry for the given provider and provider-native id.
func (e *CanonicalEntity) HasProvenance(provider, nativeID string) bool {
	for _, p := range e.Provenance {
		if p.Provider == provider && p.NativeID == nativeID {
			return true
		}
	}
	return false
}

// MergeTimestamps unions the given timestamps into the entity, skipping
// exact duplicates (same label, value, provider).
func (e *CanonicalEntity) MergeTimestamps(ts []SourcedTimestamp) {
	for _, t := range ts {
		dup := false
		for _, have := range e.Timestamps {
			if have.Label == t.Label && have.Provider == t.Provider && have.Value.Equal(t.Value) {
				dup = true
				break
			}
		}
		if !dup {
			e.Timestamps = append(e.Timestamps, t)
		}
	}
}

// RelationKind identifies the variant of a relationship edge.
type RelationKind string

const (
	RelationContainedIn    RelationKind = "contained_in"
	RelationCoOccurredWith RelationKind = "co_occurred_with"
	RelationAuthored       RelationKind = "authored"
	RelationRefersTo       RelationKind = "refers_to"
)

// RelationshipEdge is a directed edge between two canonical entities.
// References are weak: either end may be tombstoned later, and consumers
// must check. Confidence is 1.0 for edges a provider stated explicitly and
// in (0,1) for inferred ones; Evidence says why the edge was inferred.
type RelationshipEdge struct {
	FromID     string       `json:"from_id"`
	ToID       string       `json:"to_id"`
	Kind       RelationKind `json:"kind"`
	Confidence float64      `json:"confidence"`
	Evidence   string       `json:"evidence,omitempty"`
}

// CursorState is the lifecycle state of a sync cursor.
type CursorState string

const (
	CursorIdle       CursorState = "idle"
	CursorInProgress CursorState = "in_progress"
	CursorFailed     CursorState = "failed"
)

// SyncCursor is the per (provider, account) resume position. The watermark
// is opaque to the core; it only ever advances after a batch has been
// durably committed, so retrying from it is always safe.
type SyncCursor struct {
	Provider      string      `json:"provider"`
	Account       string      `json:"account"`
	Watermark     string      `json:"watermark"`
	State         CursorState `json:"state"`
	FailureReason string      `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// EmbedOutcome is the terminal embedding status of an entity that could not
// be embedded after bounded retries.
type EmbedOutcome string

const (
	EmbedFailedService EmbedOutcome = "service_error"
	EmbedFailedEmpty   EmbedOutcome = "no_embeddable_content"
)
