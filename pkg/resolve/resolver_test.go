package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/normalize"
	"github.com/atticlabs/attic/pkg/store"
)

// fakeGateway is an in-memory store.Gateway for resolver tests. failUpserts
// makes the next N upserts fail with a version conflict.
type fakeGateway struct {
	entities    map[string]*common.CanonicalEntity
	merges      []store.MergeRecord
	failUpserts int
	upsertCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{entities: map[string]*common.CanonicalEntity{}}
}

func (f *fakeGateway) GetEntity(_ context.Context, entityID string) (*common.CanonicalEntity, error) {
	e, ok := f.entities[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeGateway) GetByFingerprint(_ context.Context, fingerprint string) (*common.CanonicalEntity, error) {
	for _, e := range f.entities {
		if e.Fingerprint == fingerprint {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeGateway) GetByProvenance(_ context.Context, provider, nativeID string) (*common.CanonicalEntity, error) {
	for _, e := range f.entities {
		if e.HasProvenance(provider, nativeID) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeGateway) CandidatesByKind(_ context.Context, kind common.Kind, _ time.Time, _ int) ([]common.CanonicalEntity, error) {
	var out []common.CanonicalEntity
	for _, e := range f.entities {
		if e.Kind == kind && !e.Deleted {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeGateway) UpsertEntity(_ context.Context, entity *common.CanonicalEntity, expectedVersion int64) (int64, error) {
	f.upsertCalls++
	if f.failUpserts > 0 {
		f.failUpserts--
		return 0, &store.ConflictError{EntityID: entity.EntityID, ExpectedVersion: expectedVersion, ActualVersion: expectedVersion + 1}
	}
	stored, exists := f.entities[entity.EntityID]
	if expectedVersion == 0 {
		if exists {
			return 0, &store.ConflictError{EntityID: entity.EntityID, ActualVersion: stored.Version}
		}
		cp := *entity
		cp.Version = 1
		f.entities[entity.EntityID] = &cp
		return 1, nil
	}
	if !exists {
		return 0, store.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return 0, &store.ConflictError{EntityID: entity.EntityID, ExpectedVersion: expectedVersion, ActualVersion: stored.Version}
	}
	cp := *entity
	cp.Version = expectedVersion + 1
	f.entities[entity.EntityID] = &cp
	return cp.Version, nil
}

func (f *fakeGateway) UpsertEdge(_ context.Context, _ common.RelationshipEdge) error { return nil }

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

func (f *fakeGateway) RecordMerge(_ context.Context, rec store.MergeRecord) error {
	f.merges = append(f.merges, rec)
	return nil
}

func (f *fakeGateway) WithTx(_ context.Context, fn func(store.Gateway) error) error { return fn(f) }

func fileDraft(fingerprint, provider, nativeID, name string, size int64, mtime time.Time) *normalize.Draft {
	return &normalize.Draft{
		Kind:        common.KindFile,
		Fingerprint: fingerprint,
		Attributes:  map[string]any{"name": name, "size": size},
		Timestamps: []common.SourcedTimestamp{
			{Label: common.TimestampModified, Value: mtime, Provider: provider},
		},
		Provenance: common.ProvenanceEntry{Provider: provider, NativeID: nativeID, SeenAt: mtime},
	}
}

func TestResolveCreatesNewEntity(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := r.Resolve(context.Background(), fileDraft("fp-1", "dropbox", "id:1", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("expected created, got %s", res.Outcome)
	}
	if res.Entity.Version != 1 {
		t.Errorf("expected version 1, got %d", res.Entity.Version)
	}
	if len(res.Entity.Provenance) != 1 {
		t.Errorf("expected 1 provenance entry, got %d", len(res.Entity.Provenance))
	}
	if len(gw.entities) != 1 {
		t.Errorf("expected 1 stored entity, got %d", len(gw.entities))
	}
}

func TestResolveSameRecordTwiceIsNoOp(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	draft := fileDraft("fp-1", "dropbox", "id:1", "report.pdf", 2048, mtime)

	first, err := r.Resolve(context.Background(), draft)
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	second, err := r.Resolve(context.Background(), draft)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if second.Outcome != OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %s", second.Outcome)
	}
	if second.Entity.EntityID != first.Entity.EntityID {
		t.Errorf("re-resolution changed identity: %s vs %s", second.Entity.EntityID, first.Entity.EntityID)
	}
	if len(gw.entities) != 1 {
		t.Errorf("expected 1 stored entity, got %d", len(gw.entities))
	}
	if len(gw.entities[first.Entity.EntityID].Provenance) != 1 {
		t.Errorf("provenance grew on a no-op merge")
	}
	if gw.entities[first.Entity.EntityID].Version != 1 {
		t.Errorf("version bumped on a no-op merge")
	}
}

func TestResolveMergesSecondProviderByFingerprint(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := r.Resolve(context.Background(), fileDraft("fp-1", "dropbox", "id:1", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	second, err := r.Resolve(context.Background(), fileDraft("fp-1", "gdrive", "file-9", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if second.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", second.Outcome)
	}
	if second.Strategy != "fingerprint" {
		t.Errorf("expected fingerprint strategy, got %s", second.Strategy)
	}
	if second.Entity.EntityID != first.Entity.EntityID {
		t.Errorf("same fingerprint produced two entities")
	}
	if len(second.Entity.Provenance) != 2 {
		t.Errorf("expected 2 provenance entries, got %d", len(second.Entity.Provenance))
	}
	if len(gw.merges) != 1 {
		t.Errorf("expected 1 merge audit record, got %d", len(gw.merges))
	}
}

func TestResolveHeuristicMerge(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := r.Resolve(context.Background(), fileDraft("fp-local", "localfs", "/home/u/report.pdf", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	// Same name, size, and mtime but a different fingerprint (no shared
	// content hash across these providers).
	second, err := r.Resolve(context.Background(), fileDraft("fp-cloud", "dropbox", "id:7", "report.pdf", 2048, mtime.Add(time.Second)))
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if second.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", second.Outcome)
	}
	if second.Strategy != "heuristic" {
		t.Errorf("expected heuristic strategy, got %s", second.Strategy)
	}
	if second.Score < 0.75 {
		t.Errorf("expected score above threshold, got %.2f", second.Score)
	}
	if second.Entity.EntityID != first.Entity.EntityID {
		t.Errorf("similar file produced a second entity")
	}
}

func TestResolveAmbiguityIndexesAsNew(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	// Two entities plausible by name only (0.4 each): below the merge
	// threshold but above the ambiguity floor.
	if _, err := r.Resolve(context.Background(), fileDraft("fp-a", "localfs", "/a/notes.md", "notes.md", 100, mtime)); err != nil {
		t.Fatalf("seed a failed: %v", err)
	}
	if _, err := r.Resolve(context.Background(), fileDraft("fp-b", "localfs", "/b/notes.md", "notes.md", 200, mtime.Add(time.Hour))); err != nil {
		t.Fatalf("seed b failed: %v", err)
	}

	res, err := r.Resolve(context.Background(), fileDraft("fp-c", "dropbox", "id:3", "notes.md", 300, mtime.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("expected created, got %s", res.Outcome)
	}
	if res.Ambiguity == nil {
		t.Fatal("expected ambiguity report")
	}
	if len(res.Ambiguity.Candidates) != 2 {
		t.Errorf("expected 2 ambiguous candidates, got %d", len(res.Ambiguity.Candidates))
	}
	if len(gw.entities) != 3 {
		t.Errorf("expected 3 entities, got %d", len(gw.entities))
	}
}

func TestResolveTieBreakPrefersStrongestProvenance(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	// Two full-score candidates; the first gains a second provenance
	// entry via an exact merge and must win the tie.
	a, err := r.Resolve(context.Background(), fileDraft("fp-a", "localfs", "/a/report.pdf", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("seed a failed: %v", err)
	}
	if _, err := r.Resolve(context.Background(), fileDraft("fp-a", "nas", "nas:1", "report.pdf", 2048, mtime)); err != nil {
		t.Fatalf("seed a2 failed: %v", err)
	}
	b := &common.CanonicalEntity{
		EntityID:    "entity-b",
		Fingerprint: "fp-b",
		Kind:        common.KindFile,
		Attributes:  map[string]any{"name": "report.pdf", "size": int64(2048)},
		Timestamps: []common.SourcedTimestamp{
			{Label: common.TimestampModified, Value: mtime, Provider: "usb"},
		},
		Provenance: []common.ProvenanceEntry{{Provider: "usb", NativeID: "usb:1", SeenAt: mtime}},
	}
	if _, err := gw.UpsertEntity(context.Background(), b, 0); err != nil {
		t.Fatalf("seed b failed: %v", err)
	}

	res, err := r.Resolve(context.Background(), fileDraft("fp-c", "gdrive", "file-2", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", res.Outcome)
	}
	if res.Entity.EntityID != a.Entity.EntityID {
		t.Errorf("tie-break picked %s, expected %s", res.Entity.EntityID, a.Entity.EntityID)
	}
}

func TestResolveRetriesVersionConflict(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := r.Resolve(context.Background(), fileDraft("fp-1", "dropbox", "id:1", "report.pdf", 2048, mtime)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	gw.failUpserts = 2
	res, err := r.Resolve(context.Background(), fileDraft("fp-1", "gdrive", "file-9", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("Resolve failed despite retries: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", res.Outcome)
	}
	if len(res.Entity.Provenance) != 2 {
		t.Errorf("expected 2 provenance entries, got %d", len(res.Entity.Provenance))
	}
}

func TestResolveGivesUpAfterBoundedRetries(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{MaxUpsertRetries: 3})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := r.Resolve(context.Background(), fileDraft("fp-1", "dropbox", "id:1", "report.pdf", 2048, mtime)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	gw.failUpserts = 10
	_, err := r.Resolve(context.Background(), fileDraft("fp-1", "gdrive", "file-9", "report.pdf", 2048, mtime))
	var failure *MergeFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected MergeFailure, got %v", err)
	}
	if failure.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", failure.Attempts)
	}
}

func TestResolveTombstoneAndResurrect(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	created, err := r.Resolve(context.Background(), fileDraft("fp-1", "dropbox", "id:1", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	del := fileDraft("fp-1", "dropbox", "id:1", "report.pdf", 2048, mtime.Add(time.Hour))
	del.Deleted = true
	res, err := r.Resolve(context.Background(), del)
	if err != nil {
		t.Fatalf("delete Resolve failed: %v", err)
	}
	if res.Outcome != OutcomeTombstoned {
		t.Fatalf("expected tombstoned, got %s", res.Outcome)
	}
	if !gw.entities[created.Entity.EntityID].Deleted {
		t.Error("entity not tombstoned in store")
	}
	if len(gw.entities[created.Entity.EntityID].Provenance) != 1 {
		t.Errorf("tombstone dropped provenance: %d entries", len(gw.entities[created.Entity.EntityID].Provenance))
	}

	// The same bytes reappearing on another provider resurrects the entity.
	back, err := r.Resolve(context.Background(), fileDraft("fp-1", "gdrive", "file-9", "report.pdf", 2048, mtime.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("resurrect Resolve failed: %v", err)
	}
	if back.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", back.Outcome)
	}
	if back.Entity.Deleted {
		t.Error("entity still tombstoned after live record")
	}
	if back.Entity.EntityID != created.Entity.EntityID {
		t.Error("resurrection created a new entity")
	}
}

func TestResolveSparseDeleteTombstonesByProvenance(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	created, err := r.Resolve(context.Background(), fileDraft("fp-1", "dropbox", "id:1", "report.pdf", 2048, mtime))
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// The provider reports the deletion without any content fields, so the
	// marker carries no fingerprint.
	del := &normalize.Draft{
		Kind:       common.KindFile,
		Attributes: map[string]any{},
		Provenance: common.ProvenanceEntry{Provider: "dropbox", NativeID: "id:1", SeenAt: mtime.Add(time.Hour)},
		Deleted:    true,
	}
	res, err := r.Resolve(context.Background(), del)
	if err != nil {
		t.Fatalf("delete Resolve failed: %v", err)
	}
	if res.Outcome != OutcomeTombstoned {
		t.Fatalf("expected tombstoned, got %s", res.Outcome)
	}
	if res.Strategy != "provenance" {
		t.Errorf("strategy = %q, want provenance", res.Strategy)
	}
	if !gw.entities[created.Entity.EntityID].Deleted {
		t.Error("entity not tombstoned in store")
	}
}

func TestResolveDeleteForUnknownRecordIsSkipped(t *testing.T) {
	gw := newFakeGateway()
	r := NewResolver(gw, Config{})

	del := fileDraft("fp-ghost", "dropbox", "id:ghost", "ghost.pdf", 1, time.Now())
	del.Deleted = true
	res, err := r.Resolve(context.Background(), del)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", res.Outcome)
	}
	if len(gw.entities) != 0 {
		t.Errorf("delete for unknown record created an entity")
	}
}
