package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atticlabs/attic/internal/queue"
	"github.com/atticlabs/attic/internal/util"
	"github.com/atticlabs/attic/pkg/logger"
	"github.com/atticlabs/attic/pkg/logger/console"
	"github.com/atticlabs/attic/pkg/semantic"
	semollama "github.com/atticlabs/attic/pkg/semantic/ollama"
	semopenai "github.com/atticlabs/attic/pkg/semantic/openai"
	storepgx "github.com/atticlabs/attic/pkg/store/pgx"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

const maxRetries = 10

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	embedder := newEmbedder()

	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()
	pgConn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	indexer := semantic.NewIndexer(semantic.IndexerParams{
		Store:    storepgx.NewGateway(pgConn),
		Embedder: embedder,
	})

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

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	// One in-flight message at a time keeps backpressure on the backend.
	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.EmbedQueue,
		"embed_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "err", err)
	}

	logger.Info("Listening for embed tasks")

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping consumer")
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Message channel closed")
					return
				}

				startTime := time.Now()
				err := queue.ProcessEmbedMessage(ctx, indexer, string(msg.Body))
				if err != nil {
					logger.Error("Error processing embed task", "err", err)
					handleProcessingError(ch, msg)
				} else {
					if err := msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Debug("Embed task processed", "duration", time.Since(startTime).Round(time.Millisecond))
				}
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func newEmbedder() semantic.Embedder {
	adapter := util.GetEnv("AI_ADAPTER")
	switch adapter {
	case "ollama":
		client, err := semollama.NewClient(semollama.NewClientParams{
			EmbeddingModel:        util.GetEnv("AI_EMBED_MODEL"),
			BaseURL:               util.GetEnv("AI_EMBED_URL"),
			ApiKey:                util.GetEnv("AI_EMBED_KEY"),
			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_MAX_CONCURRENT_REQUESTS", 1)),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return semopenai.NewClient(semopenai.NewClientParams{
			EmbeddingModel:        util.GetEnv("AI_EMBED_MODEL"),
			EmbeddingURL:          util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey:          util.GetEnv("AI_EMBED_KEY"),
			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_MAX_CONCURRENT_REQUESTS", 4)),
		})
	}
}

// handleProcessingError routes a failed message to the retry queue, or to
// the DLQ once its retries are exhausted.
func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	if retries >= maxRetries {
		dlqName := queue.EmbedQueue + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "text/plain",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queue.EmbedQueue + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "text/plain",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
