package relate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/normalize"
	"github.com/atticlabs/attic/pkg/store"
)

type edgeKey struct {
	from, to string
	kind     common.RelationKind
}

// fakeGateway records edges and serves provenance lookups; everything else
// is inert.
type fakeGateway struct {
	entities map[string]*common.CanonicalEntity
	edges    map[edgeKey]common.RelationshipEdge
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		entities: map[string]*common.CanonicalEntity{},
		edges:    map[edgeKey]common.RelationshipEdge{},
	}
}

func (f *fakeGateway) GetEntity(_ context.Context, entityID string) (*common.CanonicalEntity, error) {
	e, ok := f.entities[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeGateway) GetByFingerprint(_ context.Context, _ string) (*common.CanonicalEntity, error) {
	return nil, store.ErrNotFound
}

func (f *fakeGateway) GetByProvenance(_ context.Context, provider, nativeID string) (*common.CanonicalEntity, error) {
	for _, e := range f.entities {
		if e.HasProvenance(provider, nativeID) {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeGateway) CandidatesByKind(_ context.Context, _ common.Kind, _ time.Time, _ int) ([]common.CanonicalEntity, error) {
	return nil, nil
}

func (f *fakeGateway) UpsertEntity(_ context.Context, entity *common.CanonicalEntity, _ int64) (int64, error) {
	f.entities[entity.EntityID] = entity
	return entity.Version + 1, nil
}

func (f *fakeGateway) UpsertEdge(_ context.Context, edge common.RelationshipEdge) error {
	key := edgeKey{edge.FromID, edge.ToID, edge.Kind}
	if existing, ok := f.edges[key]; ok && existing.Confidence >= edge.Confidence {
		return nil
	}
	f.edges[key] = edge
	return nil
}

func (f *fakeGateway) Traverse(_ context.Context, _ string, _ common.RelationKind, _ int) ([]common.RelationshipEdge, error) {
	return nil, nil
}

func (f *fakeGateway) QueryStructural(_ context.Context, _ store.StructuralQuery) ([]string, error) {
	return nil, nil
}

func (f *fakeGateway) SetVector(_ context.Context, _ string, _ []float32) (string, error) {
	return "", nil
}

func (f *fakeGateway) MarkUnembeddable(_ context.Context, _ string, _ common.EmbedOutcome) error {
	return nil
}

func (f *fakeGateway) QueryVectors(_ context.Context, _ []float32, _ int) ([]store.VectorMatch, error) {
	return nil, nil
}

func (f *fakeGateway) QueryVectorsAmong(_ context.Context, _ []string, _ []float32, _ int) ([]store.VectorMatch, error) {
	return nil, nil
}

func (f *fakeGateway) LoadCursor(_ context.Context, _, _ string) (*common.SyncCursor, error) {
	return nil, store.ErrNotFound
}

func (f *fakeGateway) SaveCursor(_ context.Context, _ *common.SyncCursor) error { return nil }

func (f *fakeGateway) RecordMerge(_ context.Context, _ store.MergeRecord) error { return nil }

func (f *fakeGateway) WithTx(_ context.Context, fn func(store.Gateway) error) error { return fn(f) }

func testPair(id, provider, nativeID string, at time.Time) (*normalize.Draft, *common.CanonicalEntity) {
	draft := &normalize.Draft{
		Kind: common.KindFile,
		Timestamps: []common.SourcedTimestamp{
			{Label: common.TimestampObserved, Value: at, Provider: provider},
		},
		Provenance: common.ProvenanceEntry{Provider: provider, NativeID: nativeID, SeenAt: at},
	}
	entity := &common.CanonicalEntity{
		EntityID:   id,
		Kind:       common.KindFile,
		Attributes: map[string]any{},
		Timestamps: draft.Timestamps,
		Provenance: []common.ProvenanceEntry{draft.Provenance},
		Version:    1,
	}
	return draft, entity
}

func TestContainmentFromSameRun(t *testing.T) {
	gw := newFakeGateway()
	b := NewBuilder(gw, Config{})
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	parentDraft, parent := testPair("ent-folder", "dropbox", "folder:1", at)
	if err := b.Observe(context.Background(), parentDraft, parent); err != nil {
		t.Fatalf("observe parent: %v", err)
	}

	childDraft, child := testPair("ent-file", "dropbox", "file:2", at.Add(time.Hour))
	childDraft.ParentRef = "folder:1"
	if err := b.Observe(context.Background(), childDraft, child); err != nil {
		t.Fatalf("observe child: %v", err)
	}

	edge, ok := gw.edges[edgeKey{"ent-file", "ent-folder", common.RelationContainedIn}]
	if !ok {
		t.Fatal("containment edge not written")
	}
	if edge.Confidence != 1.0 {
		t.Errorf("explicit containment confidence = %v, want 1.0", edge.Confidence)
	}
}

func TestContainmentViaStoreLookup(t *testing.T) {
	gw := newFakeGateway()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_, parent := testPair("ent-thread", "slack", "thread:9", at)
	gw.entities[parent.EntityID] = parent

	b := NewBuilder(gw, Config{})
	draft, msg := testPair("ent-msg", "slack", "msg:1", at.Add(time.Hour))
	draft.ParentRef = "thread:9"
	if err := b.Observe(context.Background(), draft, msg); err != nil {
		t.Fatalf("observe: %v", err)
	}

	if _, ok := gw.edges[edgeKey{"ent-msg", "ent-thread", common.RelationContainedIn}]; !ok {
		t.Fatal("containment edge not resolved through the store")
	}
}

func TestContainmentSkippedWhenParentUnknown(t *testing.T) {
	gw := newFakeGateway()
	b := NewBuilder(gw, Config{})

	draft, entity := testPair("ent-1", "dropbox", "file:1", time.Now())
	draft.ParentRef = "folder:missing"
	if err := b.Observe(context.Background(), draft, entity); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(gw.edges) != 0 {
		t.Errorf("expected no edges, got %d", len(gw.edges))
	}
}

func TestRefersToEdges(t *testing.T) {
	gw := newFakeGateway()
	b := NewBuilder(gw, Config{})
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	attDraft, att := testPair("ent-doc", "gmail", "att:1", at)
	if err := b.Observe(context.Background(), attDraft, att); err != nil {
		t.Fatalf("observe attachment: %v", err)
	}

	draft, msg := testPair("ent-mail", "gmail", "msg:1", at.Add(time.Hour))
	draft.Refs = []string{"att:1", "att:unknown"}
	if err := b.Observe(context.Background(), draft, msg); err != nil {
		t.Fatalf("observe message: %v", err)
	}

	if _, ok := gw.edges[edgeKey{"ent-mail", "ent-doc", common.RelationRefersTo}]; !ok {
		t.Fatal("refers_to edge not written")
	}
	for key := range gw.edges {
		if key.kind == common.RelationRefersTo && key.to != "ent-doc" {
			t.Errorf("edge written for unresolvable ref: %+v", key)
		}
	}
}

func TestCoOccurrenceWithinWindow(t *testing.T) {
	gw := newFakeGateway()
	b := NewBuilder(gw, Config{CoOccurrenceWindow: 15 * time.Minute})
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, gap := range []time.Duration{0, 2 * time.Minute, 40 * time.Minute} {
		draft, entity := testPair(fmt.Sprintf("ent-%d", i), "localfs", fmt.Sprintf("f:%d", i), at.Add(gap))
		if err := b.Observe(context.Background(), draft, entity); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}

	near, ok := gw.edges[edgeKey{"ent-1", "ent-0", common.RelationCoOccurredWith}]
	if !ok {
		t.Fatal("co-occurrence edge for close pair not written")
	}
	if _, ok := gw.edges[edgeKey{"ent-0", "ent-1", common.RelationCoOccurredWith}]; !ok {
		t.Error("co-occurrence edge is not symmetric")
	}
	if near.Confidence <= 0 || near.Confidence >= 1 {
		t.Errorf("inferred confidence = %v, want in (0,1)", near.Confidence)
	}
	if _, ok := gw.edges[edgeKey{"ent-2", "ent-0", common.RelationCoOccurredWith}]; ok {
		t.Error("edge written for pair outside the window")
	}
}

func TestCoOccurrenceConfidenceDecaysWithGap(t *testing.T) {
	gw := newFakeGateway()
	b := NewBuilder(gw, Config{CoOccurrenceWindow: 15 * time.Minute})
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, gap := range []time.Duration{0, time.Minute, 10 * time.Minute} {
		draft, entity := testPair(fmt.Sprintf("ent-%d", i), "localfs", fmt.Sprintf("f:%d", i), at.Add(gap))
		if err := b.Observe(context.Background(), draft, entity); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}

	near := gw.edges[edgeKey{"ent-1", "ent-0", common.RelationCoOccurredWith}]
	far := gw.edges[edgeKey{"ent-2", "ent-0", common.RelationCoOccurredWith}]
	if near.Confidence <= far.Confidence {
		t.Errorf("confidence did not decay: near %v, far %v", near.Confidence, far.Confidence)
	}
}

func TestCoOccurrenceDistanceGate(t *testing.T) {
	gw := newFakeGateway()
	b := NewBuilder(gw, Config{CoOccurrenceWindow: 15 * time.Minute, CoOccurrenceRadius: 250})
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	locate := func(e *common.CanonicalEntity, lat, lon float64) {
		e.Attributes["latitude"] = lat
		e.Attributes["longitude"] = lon
	}

	draftA, a := testPair("ent-a", "phone", "loc:1", at)
	locate(a, 53.1435, 8.2146)
	if err := b.Observe(context.Background(), draftA, a); err != nil {
		t.Fatalf("observe a: %v", err)
	}

	// ~100m north: inside the radius.
	draftB, bEnt := testPair("ent-b", "phone", "loc:2", at.Add(time.Minute))
	locate(bEnt, 53.1444, 8.2146)
	if err := b.Observe(context.Background(), draftB, bEnt); err != nil {
		t.Fatalf("observe b: %v", err)
	}

	// ~5km away: outside the radius despite the small time gap.
	draftC, c := testPair("ent-c", "phone", "loc:3", at.Add(2*time.Minute))
	locate(c, 53.1885, 8.2146)
	if err := b.Observe(context.Background(), draftC, c); err != nil {
		t.Fatalf("observe c: %v", err)
	}

	nearEdge, ok := gw.edges[edgeKey{"ent-b", "ent-a", common.RelationCoOccurredWith}]
	if !ok {
		t.Fatal("co-occurrence edge for nearby pair not written")
	}
	if nearEdge.Confidence >= 1 {
		t.Errorf("located confidence = %v, want < 1", nearEdge.Confidence)
	}
	if _, ok := gw.edges[edgeKey{"ent-c", "ent-a", common.RelationCoOccurredWith}]; ok {
		t.Error("edge written for pair outside the radius")
	}
}

func TestSharedAuthorship(t *testing.T) {
	gw := newFakeGateway()
	b := NewBuilder(gw, Config{})
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	draftA, a := testPair("ent-a", "gmail", "msg:1", at)
	draftA.AuthorRef = "alice@example.com"
	if err := b.Observe(context.Background(), draftA, a); err != nil {
		t.Fatalf("observe a: %v", err)
	}

	draftB, bEnt := testPair("ent-b", "dropbox", "file:1", at.Add(time.Minute))
	draftB.AuthorRef = "alice@example.com"
	if err := b.Observe(context.Background(), draftB, bEnt); err != nil {
		t.Fatalf("observe b: %v", err)
	}

	edge, ok := gw.edges[edgeKey{"ent-b", "ent-a", common.RelationAuthored}]
	if !ok {
		t.Fatal("shared-authorship edge not written")
	}
	if edge.Confidence != 0.9 {
		t.Errorf("authorship confidence = %v, want 0.9", edge.Confidence)
	}
	if _, ok := gw.edges[edgeKey{"ent-a", "ent-b", common.RelationAuthored}]; !ok {
		t.Error("shared-authorship edge is not symmetric")
	}
}

func TestTombstonedEntityGainsNoEdges(t *testing.T) {
	gw := newFakeGateway()
	b := NewBuilder(gw, Config{})
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	draftA, a := testPair("ent-a", "dropbox", "file:1", at)
	if err := b.Observe(context.Background(), draftA, a); err != nil {
		t.Fatalf("observe a: %v", err)
	}

	draftB, bEnt := testPair("ent-b", "dropbox", "file:2", at.Add(time.Minute))
	bEnt.Deleted = true
	if err := b.Observe(context.Background(), draftB, bEnt); err != nil {
		t.Fatalf("observe b: %v", err)
	}

	if len(gw.edges) != 0 {
		t.Errorf("tombstoned entity produced %d edges", len(gw.edges))
	}
}
