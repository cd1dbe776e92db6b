package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/sqlrag/sqlrag/internal/config"
	"github.com/sqlrag/sqlrag/internal/database"
	"github.com/sqlrag/sqlrag/internal/embedding"
	"github.com/sqlrag/sqlrag/internal/feedback"
	feedbackpostgres "github.com/sqlrag/sqlrag/internal/feedback/postgres"
	"github.com/sqlrag/sqlrag/internal/llm"
	"github.com/sqlrag/sqlrag/internal/schema"
	"github.com/sqlrag/sqlrag/internal/schema/infoschema"
	s3store "github.com/sqlrag/sqlrag/internal/storage/s3"
	"github.com/sqlrag/sqlrag/internal/vectorindex"
	"github.com/sqlrag/sqlrag/internal/vectorindex/pgvector"
	"github.com/sqlrag/sqlrag/internal/vectorindex/qdrant"
)

// closers collects resources to release on shutdown, in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		_ = c[i]()
	}
}

func openPostgres(ctx context.Context, cfg config.Config, dsn string) (*sql.DB, error) {
	return database.Open(ctx, database.Config{
		Driver:          database.DriverPostgres,
		DSN:             dsn,
		MaxOpenConns:    cfg.TargetDB.MaxOpenConns,
		MaxIdleConns:    cfg.TargetDB.MaxIdleConns,
		ConnMaxIdleTime: cfg.TargetDB.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.TargetDB.ConnMaxLifetime,
	})
}

func buildSchemaProvider(cfg config.Config, targetDB *sql.DB, logger *slog.Logger, cl *closers) schema.Provider {
	base := infoschema.New(targetDB, cfg.TargetDB.SchemaName)

	var cache schema.Cache
	switch cfg.SchemaCache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.SchemaCache.RedisAddr,
			DB:   cfg.SchemaCache.RedisDB,
		})
		cl.add(client.Close)
		cache = schema.NewRedisCache(client, cfg.SchemaCache.RedisKey, cfg.SchemaCache.TTL)
	default:
		cache = schema.NewMemoryCache(cfg.SchemaCache.TTL)
	}
	return schema.NewCachedProvider(base, cache, logger)
}

func buildEmbedder(cfg config.Config) (*embedding.Generator, error) {
	var backend embedding.Embedder
	var err error
	switch cfg.Embedding.Provider {
	case "ollama":
		backend, err = embedding.NewOllamaEmbedder(embedding.OllamaConfig{
			BaseURL: cfg.Embedding.BaseURL,
			Model:   cfg.Embedding.Model,
			Timeout: cfg.Embedding.Timeout,
		})
	case "openai":
		backend, err = embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			BaseURL: cfg.Embedding.BaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
			Timeout: cfg.Embedding.Timeout,
		})
	default:
		backend = embedding.NewHashEmbedder(cfg.Embedding.Dimension)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding backend: %w", err)
	}
	return embedding.NewGenerator(backend, cfg.Embedding.Dimension)
}

// vectorBackend bundles the index with the optional pieces only some
// backends provide.
type vectorBackend struct {
	index       vectorindex.Index
	snapshotter *vectorindex.Snapshotter
	health      func(context.Context) error
}

func buildVectorBackend(ctx context.Context, cfg config.Config, logger *slog.Logger, cl *closers) (vectorBackend, error) {
	switch cfg.Vector.Backend {
	case "pgvector":
		db, err := openPostgres(ctx, cfg, cfg.Vector.DSN)
		if err != nil {
			return vectorBackend{}, fmt.Errorf("open pgvector db: %w", err)
		}
		cl.add(db.Close)
		index := pgvector.New(db)
		return vectorBackend{index: index, health: index.HealthCheck}, nil
	case "qdrant":
		index, err := qdrant.New(qdrant.Config{
			URL:    cfg.Vector.QdrantURL,
			APIKey: cfg.Vector.QdrantAPIKey,
			Prefix: cfg.Vector.CollectionPrefix,
		})
		if err != nil {
			return vectorBackend{}, fmt.Errorf("qdrant index: %w", err)
		}
		return vectorBackend{index: index, health: index.HealthCheck}, nil
	}

	index := vectorindex.NewMemoryIndex()
	backend := vectorBackend{index: index}
	if !cfg.Vector.SnapshotEnabled {
		return backend, nil
	}
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		return vectorBackend{}, fmt.Errorf("object store: %w", err)
	}
	backend.snapshotter, err = vectorindex.NewSnapshotter(index, store, cfg.Vector.SnapshotKey, logger)
	if err != nil {
		return vectorBackend{}, err
	}
	return backend, nil
}

func buildCompleter(cfg config.Config) (llm.Completer, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:   cfg.LLM.BaseURL,
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.Model,
			Timeout:   cfg.LLM.Timeout,
			RateLimit: cfg.LLM.RateLimit,
			RateBurst: cfg.LLM.RateBurst,
		})
	default:
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			Timeout:   cfg.LLM.Timeout,
			RateLimit: cfg.LLM.RateLimit,
			RateBurst: cfg.LLM.RateBurst,
		})
	}
}

func buildFeedbackStore(ctx context.Context, cfg config.Config, cl *closers) (feedback.Store, error) {
	if cfg.FeedbackStore.Backend == "memory" {
		return feedback.NewMemoryStore(), nil
	}
	db, err := openPostgres(ctx, cfg, cfg.FeedbackStore.DSN)
	if err != nil {
		return nil, fmt.Errorf("open feedback db: %w", err)
	}
	cl.add(db.Close)
	return feedbackpostgres.NewStore(db), nil
}

func sqlDialect(driver string) string {
	if driver == database.DriverDuckDB {
		return "DuckDB"
	}
	return "PostgreSQL"
}
