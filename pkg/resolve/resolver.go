package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atticlabs/attic/internal/util"
	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/logger"
	"github.com/atticlabs/attic/pkg/normalize"
	"github.com/atticlabs/attic/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Outcome classifies what resolution did with a draft.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeMerged     Outcome = "merged"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeTombstoned Outcome = "tombstoned"
	OutcomeSkipped    Outcome = "skipped"
)

// Resolution is the result of resolving one draft.
type Resolution struct {
	Entity   *common.CanonicalEntity
	Outcome  Outcome
	Strategy string
	Score    float64
	// Ambiguity is set when multiple candidates scored below the merge
	// threshold and the draft became a new entity instead of a guess.
	Ambiguity *MergeAmbiguity
}

// MergeAmbiguity reports that the similarity pass saw multiple plausible
// candidates but none reached the merge threshold; the record was indexed
// as a new entity and left for later reconciliation.
type MergeAmbiguity struct {
	Fingerprint string
	Candidates  []string
	BestScore   float64
}

func (e *MergeAmbiguity) Error() string {
	return fmt.Sprintf("ambiguous identity for fingerprint %s: %d candidates, best score %.2f below threshold",
		e.Fingerprint, len(e.Candidates), e.BestScore)
}

// MergeFailure wraps a merge that kept losing the optimistic-concurrency
// race beyond the bounded retry count.
type MergeFailure struct {
	Fingerprint string
	Attempts    int
	Err         error
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("merge for fingerprint %s failed after %d attempts: %v", e.Fingerprint, e.Attempts, e.Err)
}

func (e *MergeFailure) Unwrap() error {
	return e.Err
}

// Config tunes the resolver. Thresholds are policy: they default from the
// environment and can be overridden per resolver.
type Config struct {
	// MatchThreshold is the minimum similarity score at which a
	// non-exact candidate is merged instead of creating a new entity.
	MatchThreshold float64
	// AmbiguityFloor is the score at or above which a rejected candidate
	// still counts as "plausible" for ambiguity reporting.
	AmbiguityFloor float64
	// CandidateWindow bounds how far back the similarity pass looks.
	CandidateWindow time.Duration
	// CandidateLimit bounds how many candidates the similarity pass loads.
	CandidateLimit int
	// MaxUpsertRetries bounds optimistic-concurrency retries per record.
	MaxUpsertRetries int

	Heuristics HeuristicConfig
}

// ConfigFromEnv builds a Config from RESOLVE_* environment variables with
// conservative defaults: threshold 0.75 keeps false unification rare, and
// a wrong non-merge is recoverable while a wrong merge is not.
func ConfigFromEnv() Config {
	return Config{
		MatchThreshold:   nonZeroOr(util.GetEnvNumeric("RESOLVE_MATCH_THRESHOLD", 0), 0.75),
		AmbiguityFloor:   nonZeroOr(util.GetEnvNumeric("RESOLVE_AMBIGUITY_FLOOR", 0), 0.4),
		CandidateWindow:  time.Duration(util.GetEnvNumeric("RESOLVE_CANDIDATE_WINDOW_HOURS", 720)) * time.Hour,
		CandidateLimit:   int(util.GetEnvNumeric("RESOLVE_CANDIDATE_LIMIT", 200)),
		MaxUpsertRetries: int(util.GetEnvNumeric("RESOLVE_MAX_UPSERT_RETRIES", 5)),
		Heuristics: HeuristicConfig{
			FileMTimeTolerance: time.Duration(util.GetEnvNumeric("RESOLVE_FILE_MTIME_TOLERANCE_SEC", 2)) * time.Second,
			EventTimeSlack:     time.Duration(util.GetEnvNumeric("RESOLVE_EVENT_TIME_SLACK_MIN", 5)) * time.Minute,
		},
	}
}

// Resolver decides whether a normalized draft refers to an entity already
// in the index and merges provenance instead of creating duplicates. It is
// the only component that assigns entity ids or mutates merge state.
//
// Resolve is safe under concurrent use by multiple sync pipelines: the
// serialization point is the gateway's version-checked upsert keyed by
// fingerprint, and every conflict triggers a fresh read and re-merge.
type Resolver struct {
	store store.Gateway
	cfg   Config
}

func NewResolver(gateway store.Gateway, cfg Config) *Resolver {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 0.75
	}
	if cfg.AmbiguityFloor <= 0 {
		cfg.AmbiguityFloor = 0.4
	}
	if cfg.CandidateWindow <= 0 {
		cfg.CandidateWindow = 30 * 24 * time.Hour
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 200
	}
	if cfg.MaxUpsertRetries <= 0 {
		cfg.MaxUpsertRetries = 5
	}
	return &Resolver{store: gateway, cfg: cfg}
}

// Resolve maps a draft onto the index: exact fingerprint match first, then
// the per-kind similarity pass, then a new entity. Re-submitting an
// already-merged record is a no-op.
func (r *Resolver) Resolve(ctx context.Context, draft *normalize.Draft) (*Resolution, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxUpsertRetries; attempt++ {
		res, err := r.resolveOnce(ctx, draft)
		if err == nil {
			return res, nil
		}
		var conflict *store.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		// Another pipeline won the race for this fingerprint; re-read
		// and merge into whatever it committed.
		lastErr = err
		logger.Debug("[Resolve] Upsert conflict, retrying", "fingerprint", draft.Fingerprint, "attempt", attempt+1)
	}
	return nil, &MergeFailure{Fingerprint: draft.Fingerprint, Attempts: r.cfg.MaxUpsertRetries, Err: lastErr}
}

func (r *Resolver) resolveOnce(ctx context.Context, draft *normalize.Draft) (*Resolution, error) {
	if draft.Fingerprint != "" {
		existing, err := r.store.GetByFingerprint(ctx, draft.Fingerprint)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return r.mergeInto(ctx, existing, draft, "fingerprint", 1.0)
		}
	}

	if draft.Deleted {
		// Delete markers are often sparse (just the native id), so the
		// fingerprint misses; the provenance entry still names the record.
		byProv, err := r.store.GetByProvenance(ctx, draft.Provenance.Provider, draft.Provenance.NativeID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if byProv != nil {
			return r.mergeInto(ctx, byProv, draft, "provenance", 1.0)
		}
		// A delete for something never indexed carries no information.
		return &Resolution{Outcome: OutcomeSkipped, Strategy: "none"}, nil
	}

	candidate, score, ambiguity, err := r.findCandidate(ctx, draft)
	if err != nil {
		return nil, err
	}
	if candidate != nil {
		return r.mergeInto(ctx, candidate, draft, "heuristic", score)
	}

	res, err := r.createNew(ctx, draft)
	if err != nil {
		return nil, err
	}
	res.Ambiguity = ambiguity
	return res, nil
}

// findCandidate runs the similarity pass. It returns a candidate only when
// the best score clears the merge threshold; among multiple clearing
// candidates the one with the most provenance entries wins (strongest
// existing evidence), deterministically, never by arbitrary order.
func (r *Resolver) findCandidate(ctx context.Context, draft *normalize.Draft) (*common.CanonicalEntity, float64, *MergeAmbiguity, error) {
	since := time.Now().Add(-r.cfg.CandidateWindow)
	candidates, err := r.store.CandidatesByKind(ctx, draft.Kind, since, r.cfg.CandidateLimit)
	if err != nil {
		return nil, 0, nil, err
	}

	type scored struct {
		entity   common.CanonicalEntity
		score    float64
		evidence string
	}
	var matches []scored
	var plausible []scored
	for i := range candidates {
		score, evidence := similarity(draft, &candidates[i], r.cfg.Heuristics)
		if score >= r.cfg.MatchThreshold {
			matches = append(matches, scored{candidates[i], score, evidence})
		} else if score >= r.cfg.AmbiguityFloor {
			plausible = append(plausible, scored{candidates[i], score, evidence})
		}
	}

	if len(matches) == 0 {
		if len(plausible) > 1 {
			amb := &MergeAmbiguity{Fingerprint: draft.Fingerprint}
			for _, p := range plausible {
				amb.Candidates = append(amb.Candidates, p.entity.EntityID)
				if p.score > amb.BestScore {
					amb.BestScore = p.score
				}
			}
			logger.Warn("[Resolve] Merge ambiguity, indexing as new entity",
				"fingerprint", draft.Fingerprint,
				"candidates", len(amb.Candidates),
				"best_score", amb.BestScore,
			)
			return nil, 0, amb, nil
		}
		return nil, 0, nil, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		pi, pj := len(matches[i].entity.Provenance), len(matches[j].entity.Provenance)
		if pi != pj {
			return pi > pj
		}
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].entity.EntityID < matches[j].entity.EntityID
	})

	if len(matches) > 1 {
		logger.Warn("[Resolve] Multiple candidates above threshold, preferring strongest provenance",
			"fingerprint", draft.Fingerprint,
			"chosen", matches[0].entity.EntityID,
			"runner_up", matches[1].entity.EntityID,
		)
	}

	best := matches[0]
	return &best.entity, best.score, nil, nil
}

func (r *Resolver) mergeInto(ctx context.Context, existing *common.CanonicalEntity, draft *normalize.Draft, strategy string, score float64) (*Resolution, error) {
	merged := *existing
	merged.Attributes = cloneAttrs(existing.Attributes)
	merged.Timestamps = append([]common.SourcedTimestamp(nil), existing.Timestamps...)
	merged.Provenance = append([]common.ProvenanceEntry(nil), existing.Provenance...)

	changed := applyMerge(&merged, draft)
	if !changed {
		return &Resolution{Entity: existing, Outcome: OutcomeUnchanged, Strategy: strategy, Score: score}, nil
	}

	newVersion, err := r.store.UpsertEntity(ctx, &merged, existing.Version)
	if err != nil {
		return nil, err
	}
	merged.Version = newVersion

	if err := r.store.RecordMerge(ctx, store.MergeRecord{
		EntityID:    merged.EntityID,
		Provider:    draft.Provenance.Provider,
		NativeID:    draft.Provenance.NativeID,
		Fingerprint: draft.Fingerprint,
		Strategy:    strategy,
		Score:       score,
		MergedAt:    time.Now().UTC(),
	}); err != nil {
		logger.Error("[Resolve] Failed to record merge", "entity_id", merged.EntityID, "err", err)
	}

	outcome := OutcomeMerged
	if draft.Deleted && merged.Deleted {
		outcome = OutcomeTombstoned
	}
	return &Resolution{Entity: &merged, Outcome: outcome, Strategy: strategy, Score: score}, nil
}

func (r *Resolver) createNew(ctx context.Context, draft *normalize.Draft) (*Resolution, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	entity := &common.CanonicalEntity{
		EntityID:    id,
		Fingerprint: draft.Fingerprint,
		Kind:        draft.Kind,
		Attributes:  cloneAttrs(draft.Attributes),
		Timestamps:  append([]common.SourcedTimestamp(nil), draft.Timestamps...),
		Provenance:  []common.ProvenanceEntry{draft.Provenance},
	}

	version, err := r.store.UpsertEntity(ctx, entity, 0)
	if err != nil {
		return nil, err
	}
	entity.Version = version

	logger.Debug("[Resolve] Created entity", "entity_id", id, "kind", entity.Kind, "fingerprint", entity.Fingerprint)
	return &Resolution{Entity: entity, Outcome: OutcomeCreated, Strategy: "new"}, nil
}

// applyMerge folds a draft into an existing entity in place and reports
// whether anything changed. Provenance only grows; timestamps union;
// attributes fill in missing keys without overwriting established ones;
// a live record resurrects a tombstone, a delete marker sets one.
func applyMerge(entity *common.CanonicalEntity, draft *normalize.Draft) bool {
	changed := false

	if !entity.HasProvenance(draft.Provenance.Provider, draft.Provenance.NativeID) {
		entity.Provenance = append(entity.Provenance, draft.Provenance)
		changed = true
	}

	before := len(entity.Timestamps)
	entity.MergeTimestamps(draft.Timestamps)
	if len(entity.Timestamps) != before {
		changed = true
	}

	for k, v := range draft.Attributes {
		if _, ok := entity.Attributes[k]; !ok {
			entity.Attributes[k] = v
			changed = true
		}
	}

	if draft.Deleted && !entity.Deleted {
		entity.Deleted = true
		changed = true
	}
	if !draft.Deleted && entity.Deleted {
		entity.Deleted = false
		changed = true
	}

	return changed
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func nonZeroOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
