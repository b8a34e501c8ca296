package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atticlabs/attic/internal/queue"
	"github.com/atticlabs/attic/internal/util"
	"github.com/atticlabs/attic/pkg/leaselock"
	"github.com/atticlabs/attic/pkg/logger"
	"github.com/atticlabs/attic/pkg/logger/console"
	storepgx "github.com/atticlabs/attic/pkg/store/pgx"
	"github.com/atticlabs/attic/pkg/syncer"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	runMigrations()

	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()
	pgConn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	conn := queue.Init()
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, []string{queue.EmbedQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	connectors := connectorsFromEnv()
	if len(connectors) == 0 {
		logger.Fatal("No connectors configured, set SYNC_JSONL_SOURCES")
	}

	coordinator := syncer.NewCoordinator(syncer.CoordinatorParams{
		Store:     storepgx.NewGateway(pgConn),
		Lock:      leaselock.New(pgConn),
		Publisher: queue.NewEmbedPublisher(ch),
		Config:    syncer.ConfigFromEnv(),
	})

	interval := time.Duration(util.GetEnvNumeric("SYNC_INTERVAL_MIN", 15)) * time.Minute
	logger.Info("Indexer started", "connectors", len(connectors), "interval", interval)

	for {
		if err := coordinator.Run(ctx, connectors); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error("Sync run failed", "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			return
		case <-time.After(interval):
		}
	}
}

func runMigrations() {
	m, err := migrate.New("file://migrations", util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Failed to load migrations", "err", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to apply migrations", "err", err)
	}
}

// connectorsFromEnv parses SYNC_JSONL_SOURCES: comma-separated
// provider:account:path triples, one replay connector each.
func connectorsFromEnv() []syncer.Connector {
	sources := util.GetEnv("SYNC_JSONL_SOURCES")
	if sources == "" {
		return nil
	}

	batchSize := int(util.GetEnvNumeric("SYNC_BATCH_SIZE", 500))
	var out []syncer.Connector
	for _, src := range strings.Split(sources, ",") {
		parts := strings.SplitN(strings.TrimSpace(src), ":", 3)
		if len(parts) != 3 {
			logger.Fatal("Malformed JSONL source, want provider:account:path", "source", src)
		}
		out = append(out, syncer.NewJSONLConnector(syncer.JSONLConnectorParams{
			Provider:  parts[0],
			Account:   parts[1],
			Path:      parts[2],
			BatchSize: batchSize,
		}))
	}
	return out
}
