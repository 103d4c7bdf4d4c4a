// Nooble platform server — runs the orchestrator, execution, query,
// ingestion, extraction, embedding, and conversation workers in one
// process, each consuming its own Redis stream.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	openai "github.com/sashabaranov/go-openai"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/configcache"
	"github.com/nooble-ai/nooble/pkg/conversation"
	"github.com/nooble-ai/nooble/pkg/embedding"
	"github.com/nooble-ai/nooble/pkg/execution"
	"github.com/nooble-ai/nooble/pkg/extraction"
	"github.com/nooble-ai/nooble/pkg/ingestion"
	"github.com/nooble-ai/nooble/pkg/metadata"
	"github.com/nooble-ai/nooble/pkg/orchestrator"
	"github.com/nooble-ai/nooble/pkg/query"
	"github.com/nooble-ai/nooble/pkg/transport"
	"github.com/nooble-ai/nooble/pkg/vectorstore"
	"github.com/nooble-ai/nooble/pkg/version"
	"github.com/nooble-ai/nooble/pkg/wsmanager"
)

// resolvePodID determines the consumer identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	podID := resolvePodID()
	slog.Info("Starting nooble",
		"version", version.Full(),
		"environment", cfg.Environment,
		"pod_id", podID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Redis (action transport + caches)
	rdb, err := transport.NewRedisClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis")

	// 3. Metadata store (Supabase Postgres, public + admin pools)
	meta, err := metadata.New(ctx, cfg.Metadata)
	if err != nil {
		slog.Error("Failed to connect to metadata store", "error", err)
		os.Exit(1)
	}
	defer meta.Close()
	slog.Info("Connected to metadata store")

	// 4. Vector store
	vectors, err := vectorstore.New(cfg.Qdrant)
	if err != nil {
		slog.Error("Failed to connect to Qdrant", "error", err)
		os.Exit(1)
	}
	defer func() { _ = vectors.Close() }()
	if err := vectors.EnsureCollection(ctx); err != nil {
		slog.Error("Failed to ensure vector collection", "error", err)
		os.Exit(1)
	}
	slog.Info("Vector store ready", "collection", cfg.Qdrant.Collection)

	// 5. Shared infrastructure
	configs := configcache.New(rdb, meta, cfg.Environment, cfg.AgentConfigTTL)
	embedder := embedding.NewEmbedder(cfg.Providers)
	chatProvider := newChatProvider(cfg.Providers)

	busFor := func(service string) *transport.Bus {
		return transport.NewBus(rdb, cfg.Environment, service, cfg.Redis.MaxRetries)
	}

	// 6. Services
	chatWS := wsmanager.New(5 * time.Second)
	ingestWS := wsmanager.New(5 * time.Second)

	sessions := orchestrator.NewSessionStore(rdb, cfg.Environment, cfg.Session.IdleTimeout)
	streamer := orchestrator.NewStreamer(chatWS, cfg.Streaming)
	orchBus := busFor(actions.ServiceOrchestrator)
	orchServer := orchestrator.NewServer(sessions, configs, orchBus, chatWS, streamer, cfg.PublicBaseURL)
	orchCallbacks := orchestrator.NewCallbackHandler(sessions, chatWS, streamer)

	execBus := busFor(actions.ServiceExecution)
	execService := execution.NewService(
		execution.NewHistoryStore(rdb, cfg.Environment),
		rdb, execBus, cfg.Environment, cfg.Session)

	queryService := query.NewService(
		embedder, vectors, vectors.Vectorizer(), chatProvider,
		busFor(actions.ServiceQuery), cfg.Providers)

	ingestBus := busFor(actions.ServiceIngestion)
	tasks := ingestion.NewTaskStore(rdb, cfg.Environment, cfg.Ingestion.TaskTTL)
	pipeline := ingestion.NewPipeline(tasks, ingestBus, meta, vectors, ingestWS, cfg.PublicBaseURL)
	ingestServer := ingestion.NewServer(pipeline, ingestWS, cfg.Ingestion)

	extractionService := extraction.NewService(busFor(actions.ServiceExtraction))
	embeddingService := embedding.NewService(embedder, busFor(actions.ServiceEmbedding), cfg.Providers)
	conversationService := conversation.NewService(meta)
	slog.Info("Services initialized")

	// 7. Stream consumers
	consumerFor := func(service string, callback bool, handler transport.HandlerFunc) *transport.Consumer {
		return transport.NewConsumer(rdb, transport.ConsumerConfig{
			Env:        cfg.Environment,
			Service:    service,
			PodID:      podID,
			Callback:   callback,
			Workers:    cfg.Workers.ConsumerCount,
			Block:      cfg.Redis.BlockInterval,
			MaxRetries: cfg.Redis.MaxRetries,
		}, handler)
	}

	consumers := map[string]*transport.Consumer{
		"orchestrator-callbacks": consumerFor(actions.ServiceOrchestrator, true, orchCallbacks.HandleAction),
		"execution":              consumerFor(actions.ServiceExecution, false, execService.HandleAction),
		"execution-callbacks":    consumerFor(actions.ServiceExecution, true, execService.HandleAction),
		"query":                  consumerFor(actions.ServiceQuery, false, queryService.HandleAction),
		"ingestion":              consumerFor(actions.ServiceIngestion, false, pipeline.HandleAction),
		"ingestion-callbacks":    consumerFor(actions.ServiceIngestion, true, pipeline.HandleAction),
		"extraction":             consumerFor(actions.ServiceExtraction, false, extractionService.HandleAction),
		"embedding":              consumerFor(actions.ServiceEmbedding, false, embeddingService.HandleAction),
		"conversation":           consumerFor(actions.ServiceConversation, false, conversationService.HandleAction),
	}
	for name, consumer := range consumers {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("Failed to start consumer", "consumer", name, "error", err)
			os.Exit(1)
		}
		orchServer.RegisterConsumer(name, consumer)
	}
	slog.Info("Stream consumers started", "count", len(consumers))

	// 8. Health checks and session GC
	orchServer.RegisterHealthCheck("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	orchServer.RegisterHealthCheck("qdrant", vectors.Ping)
	orchServer.RegisterHealthCheck("metadata", meta.Ping)
	go sessions.RunGC(ctx, cfg.Session.GCInterval)

	// 9. HTTP servers
	errCh := make(chan error, 2)
	go func() {
		if err := orchServer.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := ingestServer.Start(":" + cfg.IngestionHTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("nooble started",
		"http_port", cfg.HTTPPort,
		"ingestion_http_port", cfg.IngestionHTTPPort,
		"consumers", len(consumers)*cfg.Workers.ConsumerCount)

	// 10. Wait for shutdown signal or server error
	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		exitCode = 130
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		exitCode = 1
	}
	stop()

	// 11. Graceful shutdown: HTTP first, then drain consumers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Workers.GracefulShutdownTimeout)
	defer cancel()

	if err := orchServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Orchestrator server shutdown error", "error", err)
	}
	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Ingestion server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, consumer := range consumers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				consumer.Stop()
			}()
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Consumers stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Consumer shutdown timeout exceeded")
	}

	slog.Info("nooble stopped")
	os.Exit(exitCode)
}

// newChatProvider builds the chat client. Groq serves the chat models
// through an OpenAI-compatible API; the key decides which endpoint to use.
func newChatProvider(cfg config.ProviderConfig) *openai.Client {
	if cfg.GroqAPIKey != "" {
		c := openai.DefaultConfig(cfg.GroqAPIKey)
		c.BaseURL = cfg.GroqBaseURL
		return openai.NewClientWithConfig(c)
	}
	return openai.NewClient(cfg.OpenAIAPIKey)
}
