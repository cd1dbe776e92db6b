package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlrag/sqlrag/internal/api"
	"github.com/sqlrag/sqlrag/internal/auth"
	"github.com/sqlrag/sqlrag/internal/config"
	"github.com/sqlrag/sqlrag/internal/database"
	"github.com/sqlrag/sqlrag/internal/feedback"
	"github.com/sqlrag/sqlrag/internal/nl2sql"
	"github.com/sqlrag/sqlrag/internal/observability"
	"github.com/sqlrag/sqlrag/internal/prompt"
	"github.com/sqlrag/sqlrag/internal/query/sqldb"
	"github.com/sqlrag/sqlrag/internal/rag"
	"github.com/sqlrag/sqlrag/internal/retrieval"
	"github.com/sqlrag/sqlrag/internal/schema"
	"github.com/sqlrag/sqlrag/internal/sqlsafety"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlrag-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cl closers
	defer cl.closeAll()
	fail := func(msg string, err error) {
		logger.Error(msg, slog.Any("error", err))
		cl.closeAll()
		os.Exit(1)
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg, os.Stdout, logger)
	if err != nil {
		fail("failed to set up tracing", err)
	}
	cl.add(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})

	targetDB, err := database.Open(ctx, database.Config{
		Driver:          cfg.TargetDB.Driver,
		DSN:             cfg.TargetDB.DSN,
		MaxOpenConns:    cfg.TargetDB.MaxOpenConns,
		MaxIdleConns:    cfg.TargetDB.MaxIdleConns,
		ConnMaxIdleTime: cfg.TargetDB.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.TargetDB.ConnMaxLifetime,
	})
	if err != nil {
		fail("failed to open target db", err)
	}
	cl.add(targetDB.Close)

	provider := buildSchemaProvider(cfg, targetDB, logger, &cl)
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		fail("failed to initialize embedder", err)
	}
	vectors, err := buildVectorBackend(ctx, cfg, logger, &cl)
	if err != nil {
		fail("failed to initialize vector index", err)
	}
	if vectors.snapshotter != nil {
		if _, err := vectors.snapshotter.Restore(ctx); err != nil {
			logger.Warn("index snapshot restore failed; starting empty", slog.Any("error", err))
		}
	}

	ranker, err := retrieval.NewRanker(vectors.index, retrieval.Config{
		Timeout: cfg.Retrieval.Timeout,
		Weights: retrieval.FeedbackWeights{
			Positive:  cfg.Retrieval.PositiveWeight,
			Negative:  cfg.Retrieval.NegativeWeight,
			Corrected: cfg.Retrieval.CorrectedWeight,
		},
		Measure: prompt.RenderedSize,
	}, logger)
	if err != nil {
		fail("failed to initialize ranker", err)
	}

	completer, err := buildCompleter(cfg)
	if err != nil {
		fail("failed to initialize llm client", err)
	}
	generator, err := nl2sql.NewGenerator(completer, nl2sql.Config{
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: cfg.LLM.InitialBackoff,
	}, logger)
	if err != nil {
		fail("failed to initialize sql generator", err)
	}

	validator := sqlsafety.New(sqlsafety.Config{
		AllowedVerbs:  cfg.Safety.AllowedVerbs,
		AllowMutation: cfg.Safety.AllowMutation,
	})
	executor, err := sqldb.NewExecutor(targetDB, validator)
	if err != nil {
		fail("failed to initialize executor", err)
	}

	store, err := buildFeedbackStore(ctx, cfg, &cl)
	if err != nil {
		fail("failed to initialize feedback store", err)
	}
	recorder := feedback.NewRecorder(store, embedder, vectors.index, logger)

	tmpl := prompt.DefaultTemplate()
	tmpl.Dialect = sqlDialect(cfg.TargetDB.Driver)
	deps := rag.Deps{
		Embedder:  embedder,
		Schema:    provider,
		Syncer:    schema.NewSyncer(provider, embedder, vectors.index, logger),
		Ranker:    ranker,
		Generator: generator,
		Validator: validator,
		Feedback:  recorder,
		Index:     vectors.index,
		Executor:  executor,
		Logger:    logger,
	}
	if vectors.snapshotter != nil {
		deps.Snapshots = vectors.snapshotter
	}
	engine, err := rag.NewEngine(deps, rag.Config{
		Budget: retrieval.Budget{
			TopKSchema:   cfg.Retrieval.TopKSchema,
			TopKFeedback: cfg.Retrieval.TopKFeedback,
			MaxChars:     cfg.Retrieval.MaxContextChars,
		},
		Template:        tmpl,
		SimilarTopK:     cfg.Retrieval.SimilarQueryTopK,
		ExecuteRowLimit: cfg.Safety.ExecuteRowLimit,
	})
	if err != nil {
		fail("failed to initialize engine", err)
	}

	apiDeps := api.Dependencies{
		Logger: logger,
		Engine: engine,
		Readiness: api.CombineReadinessChecks(
			targetDB.PingContext,
			recorder.HealthCheck,
			vectors.health,
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
		RequestTimeout:    cfg.HTTP.WriteTimeout,
	}
	if cfg.Auth.Required {
		keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			fail("failed to parse static auth keys", err)
		}
		apiDeps.AuthMiddleware = auth.Middleware(logger, keys)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, apiDeps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		if _, err := engine.ReindexSchema(ctx); err != nil {
			logger.Warn("initial schema indexing failed; will retry on first request", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
	if vectors.snapshotter != nil {
		if result, err := vectors.snapshotter.Save(shutdownCtx); err != nil {
			logger.Error("index snapshot on shutdown failed", slog.Any("error", err))
		} else {
			logger.Info("index snapshot saved", slog.String("key", result.Key), slog.Int("records", result.RecordCount))
		}
	}
}
