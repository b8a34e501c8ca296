package relate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atticlabs/attic/internal/util"
	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/logger"
	"github.com/atticlabs/attic/pkg/normalize"
	"github.com/atticlabs/attic/pkg/store"
)

const earthRadiusMeters = 6371000

// Config tunes co-occurrence inference. Window and radius bound which
// entity pairs are even considered; the decay curves run inside them.
type Config struct {
	// CoOccurrenceWindow is the maximum observation-time gap between two
	// entities for a co-occurrence edge.
	CoOccurrenceWindow time.Duration
	// CoOccurrenceRadius is the maximum distance in meters when both
	// entities carry coordinates.
	CoOccurrenceRadius float64
	// WindowLimit caps how many recent observations are kept in memory.
	WindowLimit int
}

func ConfigFromEnv() Config {
	return Config{
		CoOccurrenceWindow: time.Duration(util.GetEnvNumeric("RELATE_COOCCUR_WINDOW_MIN", 15)) * time.Minute,
		CoOccurrenceRadius: util.GetEnvNumeric("RELATE_COOCCUR_RADIUS_M", 250),
		WindowLimit:        int(util.GetEnvNumeric("RELATE_WINDOW_LIMIT", 256)),
	}
}

// observation is one recently touched entity kept for co-occurrence and
// shared-authorship inference.
type observation struct {
	entityID string
	at       time.Time
	lat, lon float64
	located  bool
	author   string
}

// Builder derives relationship edges for freshly resolved entities:
// explicit containment and reference edges from provider metadata at
// confidence 1.0, and inferred co-occurrence and shared-authorship edges
// over a bounded window of recently touched entities.
//
// A Builder is owned by one sync pipeline and is not safe for concurrent
// use; its window reflects that pipeline's fetch order.
type Builder struct {
	store  store.Gateway
	cfg    Config
	window []observation
	// byNative maps provider-native ids seen this run to entity ids, so
	// containment resolves without a store round trip when the provider
	// emits parents before children.
	byNative map[string]string
}

func NewBuilder(gateway store.Gateway, cfg Config) *Builder {
	if cfg.CoOccurrenceWindow <= 0 {
		cfg.CoOccurrenceWindow = 15 * time.Minute
	}
	if cfg.CoOccurrenceRadius <= 0 {
		cfg.CoOccurrenceRadius = 250
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = 256
	}
	return &Builder{
		store:    gateway,
		cfg:      cfg,
		byNative: map[string]string{},
	}
}

// Bind switches the gateway edges are written through. The sync
// coordinator rebinds the builder to each batch transaction so edge
// writes commit atomically with the batch, while the observation window
// survives across batches.
func (b *Builder) Bind(gateway store.Gateway) {
	b.store = gateway
}

// Observe registers a resolved entity and writes every edge it implies.
// Tombstoned entities are registered (so later children can still resolve
// their parent) but never gain new inferred edges.
func (b *Builder) Observe(ctx context.Context, draft *normalize.Draft, entity *common.CanonicalEntity) error {
	b.byNative[nativeKey(draft.Provenance.Provider, draft.Provenance.NativeID)] = entity.EntityID

	if entity.Deleted {
		return nil
	}

	if err := b.linkExplicit(ctx, draft, entity); err != nil {
		return err
	}

	obs := observation{
		entityID: entity.EntityID,
		at:       observationTime(entity, draft),
		author:   draft.AuthorRef,
	}
	obs.lat, obs.lon, obs.located = coordinates(entity.Attributes)

	if err := b.inferCoOccurrence(ctx, obs); err != nil {
		return err
	}
	if err := b.inferSharedAuthorship(ctx, obs); err != nil {
		return err
	}

	b.push(obs)
	return nil
}

// linkExplicit writes the edges the provider states outright: containment
// (folder, thread, calendar) and direct references (attachments, links).
// Explicit edges carry confidence 1.0.
func (b *Builder) linkExplicit(ctx context.Context, draft *normalize.Draft, entity *common.CanonicalEntity) error {
	provider := draft.Provenance.Provider

	if draft.ParentRef != "" {
		parentID, err := b.resolveNative(ctx, provider, draft.ParentRef)
		if err != nil {
			return err
		}
		if parentID == "" {
			// The container has not been indexed yet; the edge appears
			// once a later batch delivers it and re-observes the child.
			logger.Debug("[Relate] Parent not indexed yet, skipping containment",
				"entity_id", entity.EntityID, "parent_ref", draft.ParentRef)
		} else {
			err := b.store.UpsertEdge(ctx, common.RelationshipEdge{
				FromID:     entity.EntityID,
				ToID:       parentID,
				Kind:       common.RelationContainedIn,
				Confidence: 1.0,
				Evidence:   fmt.Sprintf("%s names %s as container", provider, draft.ParentRef),
			})
			if err != nil {
				return err
			}
		}
	}

	for _, ref := range draft.Refs {
		targetID, err := b.resolveNative(ctx, provider, ref)
		if err != nil {
			return err
		}
		if targetID == "" || targetID == entity.EntityID {
			continue
		}
		err = b.store.UpsertEdge(ctx, common.RelationshipEdge{
			FromID:     entity.EntityID,
			ToID:       targetID,
			Kind:       common.RelationRefersTo,
			Confidence: 1.0,
			Evidence:   fmt.Sprintf("%s record references %s", provider, ref),
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// inferCoOccurrence compares the new observation against the window and
// emits symmetric CoOccurredWith edges. Confidence decays exponentially
// with the time gap, and with distance when both sides carry coordinates.
func (b *Builder) inferCoOccurrence(ctx context.Context, obs observation) error {
	for _, prev := range b.window {
		if prev.entityID == obs.entityID {
			continue
		}
		gap := obs.at.Sub(prev.at)
		if gap < 0 {
			gap = -gap
		}
		if gap > b.cfg.CoOccurrenceWindow {
			continue
		}

		confidence := math.Exp(-float64(gap) / float64(b.cfg.CoOccurrenceWindow))
		evidence := fmt.Sprintf("observed %s apart", gap.Round(time.Second))

		if obs.located && prev.located {
			dist := haversineMeters(obs.lat, obs.lon, prev.lat, prev.lon)
			if dist > b.cfg.CoOccurrenceRadius {
				continue
			}
			confidence *= math.Exp(-dist / b.cfg.CoOccurrenceRadius)
			evidence = fmt.Sprintf("%s, %.0fm apart", evidence, dist)
		}

		if err := b.upsertSymmetric(ctx, obs.entityID, prev.entityID, common.RelationCoOccurredWith, confidence, evidence); err != nil {
			return err
		}
	}
	return nil
}

// inferSharedAuthorship links entities in the window that name the same
// author identity.
func (b *Builder) inferSharedAuthorship(ctx context.Context, obs observation) error {
	if obs.author == "" {
		return nil
	}
	for _, prev := range b.window {
		if prev.author != obs.author || prev.entityID == obs.entityID {
			continue
		}
		evidence := fmt.Sprintf("shared author %s", obs.author)
		if err := b.upsertSymmetric(ctx, obs.entityID, prev.entityID, common.RelationAuthored, 0.9, evidence); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) upsertSymmetric(ctx context.Context, a, z string, kind common.RelationKind, confidence float64, evidence string) error {
	for _, edge := range []common.RelationshipEdge{
		{FromID: a, ToID: z, Kind: kind, Confidence: confidence, Evidence: evidence},
		{FromID: z, ToID: a, Kind: kind, Confidence: confidence, Evidence: evidence},
	} {
		if err := b.store.UpsertEdge(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

// resolveNative maps a provider-native id to an entity id, preferring the
// current run's observations over a store lookup. Empty means unknown.
func (b *Builder) resolveNative(ctx context.Context, provider, nativeID string) (string, error) {
	if id, ok := b.byNative[nativeKey(provider, nativeID)]; ok {
		return id, nil
	}
	entity, err := b.store.GetByProvenance(ctx, provider, nativeID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	b.byNative[nativeKey(provider, nativeID)] = entity.EntityID
	return entity.EntityID, nil
}

func (b *Builder) push(obs observation) {
	b.window = append(b.window, obs)

	cutoff := obs.at.Add(-b.cfg.CoOccurrenceWindow)
	kept := b.window[:0]
	for _, o := range b.window {
		if o.at.Before(cutoff) {
			continue
		}
		kept = append(kept, o)
	}
	b.window = kept

	if len(b.window) > b.cfg.WindowLimit {
		b.window = b.window[len(b.window)-b.cfg.WindowLimit:]
	}
}

// observationTime picks the instant an entity was "touched": the observed
// timestamp when a provider reports one, otherwise the newest timestamp,
// otherwise the provenance sighting.
func observationTime(entity *common.CanonicalEntity, draft *normalize.Draft) time.Time {
	for _, ts := range entity.Timestamps {
		if ts.Label == common.TimestampObserved {
			return ts.Value
		}
	}
	var newest time.Time
	for _, ts := range entity.Timestamps {
		if ts.Value.After(newest) {
			newest = ts.Value
		}
	}
	if !newest.IsZero() {
		return newest
	}
	return draft.Provenance.SeenAt
}

func coordinates(attrs map[string]any) (float64, float64, bool) {
	lat, okA := attrs["latitude"].(float64)
	lon, okB := attrs["longitude"].(float64)
	return lat, lon, okA && okB
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

func nativeKey(provider, nativeID string) string {
	return provider + "\x00" + nativeID
}
