package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atticlabs/attic/internal/util"
	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/leaselock"
	"github.com/atticlabs/attic/pkg/logger"
	"github.com/atticlabs/attic/pkg/normalize"
	"github.com/atticlabs/attic/pkg/relate"
	"github.com/atticlabs/attic/pkg/resolve"
	"github.com/atticlabs/attic/pkg/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// EmbedPublisher hands entity ids to the semantic indexing queue. The
// coordinator publishes after a batch has committed; a publish failure is
// logged and dropped, never unwinds the commit.
type EmbedPublisher interface {
	PublishEmbed(entityID string) error
}

type Config struct {
	// FetchTimeout bounds one connector fetch.
	FetchTimeout time.Duration
	// CommitTimeout bounds one batch transaction.
	CommitTimeout time.Duration
	// MaxFetchRetries bounds retries of a transient fetch failure.
	MaxFetchRetries int
	// FetchRetryBackoff is the base delay between fetch retries.
	FetchRetryBackoff time.Duration
	// RequestsPerSecond throttles each connector; 0 means unthrottled.
	RequestsPerSecond float64
	// LeaseTTL guards a pipeline run against concurrent indexers.
	LeaseTTL time.Duration

	Resolve resolve.Config
	Relate  relate.Config
}

func ConfigFromEnv() Config {
	return Config{
		FetchTimeout:      time.Duration(util.GetEnvNumeric("SYNC_FETCH_TIMEOUT_SEC", 60)) * time.Second,
		CommitTimeout:     time.Duration(util.GetEnvNumeric("SYNC_COMMIT_TIMEOUT_SEC", 120)) * time.Second,
		MaxFetchRetries:   int(util.GetEnvNumeric("SYNC_MAX_FETCH_RETRIES", 4)),
		RequestsPerSecond: util.GetEnvNumeric("SYNC_REQUESTS_PER_SECOND", 5),
		LeaseTTL:          time.Duration(util.GetEnvNumeric("SYNC_LEASE_TTL_SEC", 300)) * time.Second,
		Resolve:           resolve.ConfigFromEnv(),
		Relate:            relate.ConfigFromEnv(),
	}
}

// RunStats summarizes one pipeline run.
type RunStats struct {
	Batches     int
	Created     int
	Merged      int
	Unchanged   int
	Tombstoned  int
	Skipped     int
	Quarantined int
}

// Coordinator drives incremental sync for a set of connectors. Each
// connector gets its own pipeline: fetch a batch, normalize and resolve
// every record in fetch order, derive relationships, and commit the whole
// batch plus the advanced watermark in one transaction. A failed batch is
// discarded whole; the cursor still points at the last committed
// watermark, so the next run re-fetches exactly the lost records.
type Coordinator struct {
	store     store.Gateway
	lock      *leaselock.Client
	publisher EmbedPublisher
	cfg       Config
}

type CoordinatorParams struct {
	Store store.Gateway
	// Lock may be nil; pipelines then run unguarded (tests, single binary).
	Lock *leaselock.Client
	// Publisher may be nil; embed tasks are then skipped.
	Publisher EmbedPublisher
	Config    Config
}

func NewCoordinator(params CoordinatorParams) *Coordinator {
	cfg := params.Config
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = time.Minute
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 2 * time.Minute
	}
	if cfg.MaxFetchRetries <= 0 {
		cfg.MaxFetchRetries = 4
	}
	if cfg.FetchRetryBackoff <= 0 {
		cfg.FetchRetryBackoff = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	return &Coordinator{
		store:     params.Store,
		lock:      params.Lock,
		publisher: params.Publisher,
		cfg:       cfg,
	}
}

// Run syncs all connectors concurrently. A failing pipeline degrades only
// its own cursor; the siblings keep running to completion. The joined
// per-pipeline errors are returned after every pipeline has finished.
// Pipelines whose lease is held elsewhere are skipped, not failed.
func (c *Coordinator) Run(ctx context.Context, connectors []Connector) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var eg errgroup.Group
	for _, conn := range connectors {
		eg.Go(func() error {
			_, err := c.RunPipeline(ctx, conn)
			if err != nil {
				logger.Error("[Sync] Pipeline failed", "provider", conn.Provider(), "account", conn.Account(), "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s/%s: %w", conn.Provider(), conn.Account(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()
	return errors.Join(errs...)
}

// RunPipeline syncs one connector to completion: batches are fetched and
// committed until the connector reports no more data.
func (c *Coordinator) RunPipeline(ctx context.Context, conn Connector) (*RunStats, error) {
	provider, account := conn.Provider(), conn.Account()
	leaseKey := fmt.Sprintf("sync:%s:%s", provider, account)

	if c.lock == nil {
		return c.runLocked(ctx, conn)
	}

	var stats *RunStats
	err := c.lock.WithLease(ctx, leaseKey, leaselock.Options{TTL: c.cfg.LeaseTTL}, func(ctx context.Context) error {
		var runErr error
		stats, runErr = c.runLocked(ctx, conn)
		return runErr
	})
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Info("[Sync] Pipeline already running elsewhere, skipping", "provider", provider, "account", account)
		return &RunStats{}, nil
	}
	return stats, err
}

func (c *Coordinator) runLocked(ctx context.Context, conn Connector) (*RunStats, error) {
	provider, account := conn.Provider(), conn.Account()
	runID := uuid.NewString()
	stats := &RunStats{}

	cursor, err := c.store.LoadCursor(ctx, provider, account)
	if errors.Is(err, store.ErrNotFound) {
		cursor = &common.SyncCursor{Provider: provider, Account: account}
	} else if err != nil {
		return nil, err
	}
	if cursor.State == common.CursorInProgress {
		// A previous run died mid-sync. The watermark only ever advances
		// after a durable commit, so resuming from it is safe.
		logger.Warn("[Sync] Resuming after interrupted run", "provider", provider, "account", account, "watermark", cursor.Watermark)
	}

	cursor.State = common.CursorInProgress
	cursor.FailureReason = ""
	cursor.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveCursor(ctx, cursor); err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if c.cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), 1)
	}

	builder := relate.NewBuilder(c.store, c.cfg.Relate)
	logger.Info("[Sync] Pipeline started", "run", runID, "provider", provider, "account", account, "watermark", cursor.Watermark)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return stats, err
		}

		batch, err := c.fetchBatch(ctx, conn, cursor.Watermark)
		if err != nil {
			c.failCursor(ctx, cursor, err)
			return stats, err
		}

		ids, err := c.commitBatch(ctx, cursor, batch, builder, stats)
		if err != nil {
			c.failCursor(ctx, cursor, err)
			return stats, err
		}
		stats.Batches++
		cursor.Watermark = batch.NextWatermark

		// The batch is durable; embedding is best-effort from here.
		c.publishEmbeds(ids)

		if !batch.HasMore {
			break
		}
	}

	cursor.State = common.CursorIdle
	cursor.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveCursor(ctx, cursor); err != nil {
		return stats, err
	}

	logger.Info("[Sync] Pipeline finished",
		"run", runID,
		"provider", provider,
		"account", account,
		"batches", stats.Batches,
		"created", stats.Created,
		"merged", stats.Merged,
		"unchanged", stats.Unchanged,
		"tombstoned", stats.Tombstoned,
		"quarantined", stats.Quarantined,
	)
	return stats, nil
}

// fetchBatch asks the connector for the next increment, retrying
// transient failures with backoff.
func (c *Coordinator) fetchBatch(ctx context.Context, conn Connector, watermark string) (*Batch, error) {
	var batch *Batch
	err := util.RetryErrWithBackoff(ctx, c.cfg.MaxFetchRetries, c.cfg.FetchRetryBackoff, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()

		var fetchErr error
		batch, fetchErr = conn.FetchBatch(fetchCtx, watermark)
		if fetchErr == nil {
			return nil
		}
		if errors.Is(fetchErr, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-fetch timeout fired, not the pipeline context;
			// that's a transient failure worth retrying.
			fetchErr = fmt.Errorf("fetch timed out after %s", c.cfg.FetchTimeout)
		}
		var connErr *ConnectorError
		if errors.As(fetchErr, &connErr) && !connErr.Transient {
			// Don't burn retries on a failure that cannot heal.
			return util.Unrecoverable(fetchErr)
		}
		logger.Warn("[Sync] Fetch failed, retrying", "provider", conn.Provider(), "err", fetchErr)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("connector %s returned no batch", conn.Provider())
	}
	return batch, nil
}

// commitBatch runs one batch through normalize, resolve, and relate inside
// a single transaction, together with the watermark advance. Returns the
// entity ids that need (re-)embedding.
func (c *Coordinator) commitBatch(ctx context.Context, cursor *common.SyncCursor, batch *Batch, builder *relate.Builder, stats *RunStats) ([]string, error) {
	commitCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()

	var embedIDs []string
	err := c.store.WithTx(commitCtx, func(tx store.Gateway) error {
		resolver := resolve.NewResolver(tx, c.cfg.Resolve)
		builder.Bind(tx)

		for _, record := range batch.Records {
			draft, err := normalize.Normalize(record.Raw, cursor.Provider, record.Kind)
			if err != nil {
				var normErr *normalize.NormalizationError
				if errors.As(err, &normErr) {
					// Malformed records are quarantined, not fatal: one
					// bad record must not wedge the whole provider.
					stats.Quarantined++
					logger.Warn("[Sync] Record quarantined", "provider", cursor.Provider, "native_id", normErr.NativeID, "reason", normErr.Reason)
					continue
				}
				return err
			}
			draft.Provenance.Cursor = cursor.Watermark

			res, err := resolver.Resolve(commitCtx, draft)
			if err != nil {
				return err
			}

			switch res.Outcome {
			case resolve.OutcomeCreated:
				stats.Created++
			case resolve.OutcomeMerged:
				stats.Merged++
			case resolve.OutcomeUnchanged:
				stats.Unchanged++
			case resolve.OutcomeTombstoned:
				stats.Tombstoned++
			case resolve.OutcomeSkipped:
				stats.Skipped++
			}

			if res.Entity == nil {
				continue
			}
			if err := builder.Observe(commitCtx, draft, res.Entity); err != nil {
				return err
			}
			if needsEmbedding(res) {
				embedIDs = append(embedIDs, res.Entity.EntityID)
			}
		}

		next := *cursor
		next.Watermark = batch.NextWatermark
		next.UpdatedAt = time.Now().UTC()
		return tx.SaveCursor(commitCtx, &next)
	})
	builder.Bind(c.store)
	if err != nil {
		return nil, err
	}
	return embedIDs, nil
}

func (c *Coordinator) publishEmbeds(entityIDs []string) {
	if c.publisher == nil {
		return
	}
	for _, id := range entityIDs {
		if err := c.publisher.PublishEmbed(id); err != nil {
			logger.Error("[Sync] Failed to publish embed task", "entity_id", id, "err", err)
		}
	}
}

func (c *Coordinator) failCursor(ctx context.Context, cursor *common.SyncCursor, cause error) {
	cursor.State = common.CursorFailed
	cursor.FailureReason = cause.Error()
	cursor.UpdatedAt = time.Now().UTC()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.SaveCursor(saveCtx, cursor); err != nil {
		logger.Error("[Sync] Failed to record cursor failure", "provider", cursor.Provider, "err", err)
	}
}

// needsEmbedding reports whether a resolution changed something a vector
// is built from. Location samples never embed; unchanged merges keep
// their existing vector.
func needsEmbedding(res *resolve.Resolution) bool {
	if res.Entity == nil || res.Entity.Deleted {
		return false
	}
	if res.Entity.Kind == common.KindLocationSample {
		return false
	}
	return res.Outcome == resolve.OutcomeCreated || res.Outcome == resolve.OutcomeMerged
}
