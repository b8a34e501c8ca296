package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const getEntitySQL = `
SELECT entity_id, fingerprint, kind, attributes, timestamps, provenance, vector_ref, deleted, version
FROM entities
WHERE entity_id = $1;
`

const getByFingerprintSQL = `
SELECT entity_id, fingerprint, kind, attributes, timestamps, provenance, vector_ref, deleted, version
FROM entities
WHERE fingerprint = $1
ORDER BY deleted ASC, version DESC
LIMIT 1;
`

const getByProvenanceSQL = `
SELECT entity_id, fingerprint, kind, attributes, timestamps, provenance, vector_ref, deleted, version
FROM entities
WHERE provenance @> jsonb_build_array(jsonb_build_object('provider', $1::text, 'native_id', $2::text))
ORDER BY deleted ASC, version DESC
LIMIT 1;
`

const candidatesByKindSQL = `
SELECT entity_id, fingerprint, kind, attributes, timestamps, provenance, vector_ref, deleted, version
FROM entities
WHERE kind = $1 AND NOT deleted AND updated_at >= $2
ORDER BY updated_at DESC
LIMIT $3;
`

const insertEntitySQL = `
INSERT INTO entities (entity_id, fingerprint, kind, attributes, timestamps, provenance, vector_ref, deleted, version, ts_min, ts_max, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10, now())
RETURNING version;
`

const updateEntitySQL = `
UPDATE entities
SET fingerprint = $2,
    kind        = $3,
    attributes  = $4,
    timestamps  = $5,
    provenance  = $6,
    vector_ref  = $7,
    deleted     = $8,
    version     = version + 1,
    ts_min      = $9,
    ts_max      = $10,
    updated_at  = now()
WHERE entity_id = $1 AND version = $11
RETURNING version;
`

const getVersionSQL = `
SELECT version FROM entities WHERE entity_id = $1;
`

func (g *Gateway) GetEntity(ctx context.Context, entityID string) (*common.CanonicalEntity, error) {
	return scanEntity(g.db.QueryRow(ctx, getEntitySQL, entityID))
}

func (g *Gateway) GetByFingerprint(ctx context.Context, fingerprint string) (*common.CanonicalEntity, error) {
	return scanEntity(g.db.QueryRow(ctx, getByFingerprintSQL, fingerprint))
}

func (g *Gateway) GetByProvenance(ctx context.Context, provider, nativeID string) (*common.CanonicalEntity, error) {
	return scanEntity(g.db.QueryRow(ctx, getByProvenanceSQL, provider, nativeID))
}

func (g *Gateway) CandidatesByKind(ctx context.Context, kind common.Kind, since time.Time, limit int) ([]common.CanonicalEntity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := g.db.Query(ctx, candidatesByKindSQL, string(kind), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.CanonicalEntity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (g *Gateway) UpsertEntity(ctx context.Context, entity *common.CanonicalEntity, expectedVersion int64) (int64, error) {
	attrs, err := json.Marshal(entity.Attributes)
	if err != nil {
		return 0, fmt.Errorf("marshal attributes: %w", err)
	}
	timestamps, err := json.Marshal(entity.Timestamps)
	if err != nil {
		return 0, fmt.Errorf("marshal timestamps: %w", err)
	}
	provenance, err := json.Marshal(entity.Provenance)
	if err != nil {
		return 0, fmt.Errorf("marshal provenance: %w", err)
	}
	tsMin, tsMax := timestampRange(entity.Timestamps)

	if expectedVersion == 0 {
		var version int64
		err := g.db.QueryRow(ctx, insertEntitySQL,
			entity.EntityID, entity.Fingerprint, string(entity.Kind),
			attrs, timestamps, provenance, entity.VectorRef, entity.Deleted,
			tsMin, tsMax,
		).Scan(&version)
		if err != nil {
			var pgErr *pgconn.PgError
			// 23505: another pipeline created this entity or fingerprint
			// first. Surface as a conflict so the resolver re-reads.
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return 0, &store.ConflictError{EntityID: entity.EntityID, ExpectedVersion: 0}
			}
			return 0, err
		}
		return version, nil
	}

	var version int64
	err = g.db.QueryRow(ctx, updateEntitySQL,
		entity.EntityID, entity.Fingerprint, string(entity.Kind),
		attrs, timestamps, provenance, entity.VectorRef, entity.Deleted,
		tsMin, tsMax, expectedVersion,
	).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgxv5.ErrNoRows) {
		return 0, err
	}

	var actual int64
	if verr := g.db.QueryRow(ctx, getVersionSQL, entity.EntityID).Scan(&actual); verr != nil {
		if errors.Is(verr, pgxv5.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, verr
	}
	return 0, &store.ConflictError{
		EntityID:        entity.EntityID,
		ExpectedVersion: expectedVersion,
		ActualVersion:   actual,
	}
}

func timestampRange(ts []common.SourcedTimestamp) (time.Time, time.Time) {
	if len(ts) == 0 {
		now := time.Now().UTC()
		return now, now
	}
	min, max := ts[0].Value, ts[0].Value
	for _, t := range ts[1:] {
		if t.Value.Before(min) {
			min = t.Value
		}
		if t.Value.After(max) {
			max = t.Value
		}
	}
	return min, max
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row pgxv5.Row) (*common.CanonicalEntity, error) {
	e, err := scanEntityRow(row)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanEntityRow(row rowScanner) (*common.CanonicalEntity, error) {
	var e common.CanonicalEntity
	var kind string
	var attrs, timestamps, provenance []byte

	err := row.Scan(&e.EntityID, &e.Fingerprint, &kind, &attrs, &timestamps, &provenance, &e.VectorRef, &e.Deleted, &e.Version)
	if err != nil {
		return nil, err
	}
	e.Kind = common.Kind(kind)
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	if err := json.Unmarshal(timestamps, &e.Timestamps); err != nil {
		return nil, fmt.Errorf("unmarshal timestamps: %w", err)
	}
	if err := json.Unmarshal(provenance, &e.Provenance); err != nil {
		return nil, fmt.Errorf("unmarshal provenance: %w", err)
	}
	return &e, nil
}
