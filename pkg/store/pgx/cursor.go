package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const loadCursorSQL = `
SELECT provider, account, watermark, state, failure_reason, updated_at
FROM sync_cursors
WHERE provider = $1 AND account = $2;
`

const saveCursorSQL = `
INSERT INTO sync_cursors (provider, account, watermark, state, failure_reason, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (provider, account) DO UPDATE
SET watermark      = EXCLUDED.watermark,
    state          = EXCLUDED.state,
    failure_reason = EXCLUDED.failure_reason,
    updated_at     = now();
`

const recordMergeSQL = `
INSERT INTO merge_log (entity_id, provider, native_id, fingerprint, strategy, score, candidates, merged_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

func (g *Gateway) LoadCursor(ctx context.Context, provider, account string) (*common.SyncCursor, error) {
	var c common.SyncCursor
	var state string
	err := g.db.QueryRow(ctx, loadCursorSQL, provider, account).
		Scan(&c.Provider, &c.Account, &c.Watermark, &state, &c.FailureReason, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.State = common.CursorState(state)
	return &c, nil
}

func (g *Gateway) SaveCursor(ctx context.Context, cursor *common.SyncCursor) error {
	if strings.TrimSpace(cursor.Provider) == "" || strings.TrimSpace(cursor.Account) == "" {
		return fmt.Errorf("cursor is missing provider or account")
	}
	_, err := g.db.Exec(ctx, saveCursorSQL,
		cursor.Provider, cursor.Account, cursor.Watermark, string(cursor.State), cursor.FailureReason)
	return err
}

func (g *Gateway) RecordMerge(ctx context.Context, rec store.MergeRecord) error {
	candidates, err := json.Marshal(rec.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	mergedAt := rec.MergedAt
	if mergedAt.IsZero() {
		mergedAt = time.Now().UTC()
	}
	_, err = g.db.Exec(ctx, recordMergeSQL,
		rec.EntityID, rec.Provider, rec.NativeID, rec.Fingerprint, rec.Strategy, rec.Score, candidates, mergedAt)
	return err
}
