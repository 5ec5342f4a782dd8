package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alcove-sh/alcove/internal/auth"
	"github.com/alcove-sh/alcove/internal/cache"
	"github.com/alcove-sh/alcove/internal/chunkstore"
	"github.com/alcove-sh/alcove/internal/config"
	"github.com/alcove-sh/alcove/internal/embedder"
	"github.com/alcove-sh/alcove/internal/ingest"
	"github.com/alcove-sh/alcove/internal/lexical"
	"github.com/alcove-sh/alcove/internal/llm"
	"github.com/alcove-sh/alcove/internal/metrics"
	"github.com/alcove-sh/alcove/internal/notes"
	"github.com/alcove-sh/alcove/internal/orchestrator"
	"github.com/alcove-sh/alcove/internal/planner"
	"github.com/alcove-sh/alcove/internal/repository"
	"github.com/alcove-sh/alcove/internal/repository/postgres"
	"github.com/alcove-sh/alcove/internal/reranker"
	"github.com/alcove-sh/alcove/internal/retrieval"
	"github.com/alcove-sh/alcove/internal/server"
	"github.com/alcove-sh/alcove/internal/websearch"
)

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting answering service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// PostgreSQL: document registry, user memory, prompt overrides. The
	// registry is optional; a connection failure only disables it.
	var (
		documentRepo repository.DocumentRepository
		memoryRepo   repository.MemoryRepository
		overrideRepo repository.PromptOverrideRepository
	)
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Warn("PostgreSQL unavailable, document registry and user memory disabled", "error", err)
	} else {
		defer db.Close()
		documentRepo = postgres.NewDocumentRepo(db)
		memoryRepo = postgres.NewMemoryRepo(db)
		overrideRepo = postgres.NewPromptOverrideRepo(db)
		slog.Info("connected to PostgreSQL")
	}

	// Chunk store.
	store, err := chunkstore.NewQdrantStore(ctx, cfg.ChunkStoreURL, cfg.ChunkStoreCollection, cfg.EmbeddingDimension)
	if err != nil {
		return fmt.Errorf("failed to connect to chunk store: %w", err)
	}
	defer store.Close()
	slog.Info("connected to chunk store", "collection", cfg.ChunkStoreCollection)

	// Lexical index, built from the store at startup.
	index := lexical.New()
	if err := index.RebuildFrom(ctx, store); err != nil {
		slog.Warn("initial lexical index build failed, serving stale until reindex", "error", err)
	} else {
		slog.Info("lexical index built", "chunks", index.Len())
	}

	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:   cfg.LLMBaseURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})

	rerank := reranker.NewHTTPReranker(reranker.HTTPConfig{
		Endpoint: cfg.RerankerURL,
		Model:    cfg.RerankerModel,
	})

	generator := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.LLMBaseURL),
		llm.WithModel(cfg.GeneratorModel),
		llm.WithMaxConcurrency(cfg.GeneratorMaxConcurrency),
	)

	// Notes backend is optional; probe it once at startup.
	notesClient := notes.NewClient(cfg.NotesAPIURL, cfg.NotesAPIKey)
	notesEnabled := false
	if cfg.NotesEnabled() {
		probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
		notesEnabled = notesClient.Available(probeCtx)
		probeCancel()
		if notesEnabled {
			slog.Info("notes backend available", "url", cfg.NotesAPIURL)
		} else {
			slog.Warn("notes backend configured but unreachable, notes mode disabled", "url", cfg.NotesAPIURL)
		}
	}

	var searchOpts []websearch.Option
	if cfg.WebHeadless {
		headless := websearch.NewHeadlessFetcher(cfg.WebMaxBytes)
		defer headless.Close()
		searchOpts = append(searchOpts, websearch.WithFetcher(headless))
		slog.Info("headless page fetcher enabled")
	}
	searcher := websearch.NewSearcher(cfg.MetasearchURL, cfg.WebMaxBytes, logger, searchOpts...)

	corpusRetriever := retrieval.NewCorpusRetriever(store, index, embed, rerank, logger)
	notesRetriever := retrieval.NewNotesRetriever(notesClient)
	webRetriever := retrieval.NewWebRetriever(searcher, cfg.WebResults, cfg.WebPagesParsed)

	queryPlanner := planner.New(generator, cfg.PlannerModel, cfg.PlannerMinQueryTokens, logger)

	answers := cache.New(cfg.CacheEntries, cfg.CacheTTL())

	mets := metrics.New(prometheus.DefaultRegisterer)
	mets.CorpusVersion.Set(float64(store.Version()))

	chunker := ingest.NewChunker(ingest.ChunkerConfig{})
	coordinator := ingest.NewCoordinator(store, index, embed, documentRepo, chunker, logger)
	coordinator.OnVersionChange(func(oldVersion uint64) {
		evicted := answers.InvalidateVersion(oldVersion)
		mets.CorpusVersion.Set(float64(store.Version()))
		slog.Debug("evicted cached answers for superseded corpus version",
			"old_version", oldVersion, "evicted", evicted)
	})

	orch := orchestrator.New(orchestrator.Deps{
		Corpus:          corpusRetriever,
		Notes:           notesRetriever,
		Web:             webRetriever,
		Planner:         queryPlanner,
		Generator:       generator,
		Answers:         answers,
		Versions:        store,
		Memory:          memoryRepo,
		Overrides:       overrideRepo,
		Metrics:         mets,
		Logger:          logger,
		Defaults:        orchestrator.SettingsFromConfig(cfg),
		ContextTokens:   cfg.ModelContextTokens,
		GenerateTimeout: cfg.GenerateTimeout,
		NotesEnabled:    notesEnabled,
	})

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	authMgr := auth.NewManager(cfg.JWTSecret)

	srv := server.New(server.Config{
		Port:           cfg.HTTPPort,
		AllowedOrigins: []string{"*"},
		UploadDir:      cfg.UploadDir,
		UploadMaxBytes: cfg.UploadMaxBytes,
		Logger:         logger,
	}, orch, coordinator, documentRepo, generator, authMgr, server.Readiness{
		Generator: generator.Ping,
		Reranker:  rerank.Ping,
		Store: func(ctx context.Context) error {
			_, err := store.Count(ctx)
			return err
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time.
var (
	_ repository.DocumentRepository       = (*postgres.DocumentRepo)(nil)
	_ repository.MemoryRepository         = (*postgres.MemoryRepo)(nil)
	_ repository.PromptOverrideRepository = (*postgres.PromptOverrideRepo)(nil)
	_ chunkstore.Store                    = (*chunkstore.QdrantStore)(nil)
	_ embedder.Embedder                   = (*embedder.OllamaEmbedder)(nil)
	_ reranker.Reranker                   = (*reranker.HTTPReranker)(nil)
	_ llm.Client                          = (*llm.OllamaClient)(nil)
	_ orchestrator.CorpusSearcher         = (*retrieval.CorpusRetriever)(nil)
	_ orchestrator.SourceRetriever        = (*retrieval.NotesRetriever)(nil)
	_ orchestrator.SourceRetriever        = (*retrieval.WebRetriever)(nil)
)
