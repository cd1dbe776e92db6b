package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("sqlrag-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.TargetDB.Driver != "pgx" {
		t.Fatalf("TargetDB.Driver = %q", cfg.TargetDB.Driver)
	}
	if cfg.Vector.Backend != "memory" {
		t.Fatalf("Vector.Backend = %q", cfg.Vector.Backend)
	}
	if cfg.Embedding.Provider != "hash" || cfg.Embedding.Dimension != 768 {
		t.Fatalf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.LLM.Temperature != 0.1 {
		t.Fatalf("LLM.Temperature = %f", cfg.LLM.Temperature)
	}
	if cfg.LLM.MaxRetries != 2 {
		t.Fatalf("LLM.MaxRetries = %d", cfg.LLM.MaxRetries)
	}
	if cfg.Retrieval.PositiveWeight != 1 || cfg.Retrieval.NegativeWeight != 1 || cfg.Retrieval.CorrectedWeight != 1 {
		t.Fatalf("Retrieval weights = %+v", cfg.Retrieval)
	}
	if cfg.Safety.AllowMutation {
		t.Fatal("Safety.AllowMutation should default to false")
	}
	if cfg.SchemaCache.TTL != 5*time.Minute {
		t.Fatalf("SchemaCache.TTL = %s", cfg.SchemaCache.TTL)
	}
}

func TestLoadTestProfileUsesMemoryFeedbackStore(t *testing.T) {
	cfg, err := Load("sqlrag-api", mapLookup(map[string]string{"SQLRAG_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.FeedbackStore.Backend != "memory" {
		t.Fatalf("FeedbackStore.Backend = %q", cfg.FeedbackStore.Backend)
	}
	if cfg.HTTP.Address != ":18080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("sqlrag-api", mapLookup(map[string]string{"SQLRAG_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Fatalf("Embedding.Provider = %q", cfg.Embedding.Provider)
	}
	if !cfg.ObjectStore.UseSSL || cfg.ObjectStore.AutoCreateBucket {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"SQLRAG_PROFILE":                     "test",
		"SQLRAG_SERVICE_NAME":                "sqlrag-custom",
		"SQLRAG_HTTP_ADDR":                   ":9999",
		"SQLRAG_HTTP_READ_TIMEOUT":           "2s",
		"SQLRAG_LOG_LEVEL":                   "error",
		"SQLRAG_AUTH_REQUIRED":               "true",
		"SQLRAG_AUTH_STATIC_KEYS":            "k1:alice:sql_reader",
		"SQLRAG_TARGET_DB_DRIVER":            "duckdb",
		"SQLRAG_TARGET_DB_DSN":               "/tmp/warehouse.db",
		"SQLRAG_TARGET_DB_SCHEMA":            "main",
		"SQLRAG_FEEDBACK_STORE":              "postgres",
		"SQLRAG_FEEDBACK_DSN":                "postgres://feedback",
		"SQLRAG_VECTOR_BACKEND":              "qdrant",
		"SQLRAG_VECTOR_QDRANT_URL":           "http://qdrant:6333",
		"SQLRAG_VECTOR_COLLECTION_PREFIX":    "team",
		"SQLRAG_VECTOR_SNAPSHOT_ENABLED":     "true",
		"SQLRAG_EMBEDDING_PROVIDER":          "openai",
		"SQLRAG_EMBEDDING_MODEL":             "text-embedding-3-small",
		"SQLRAG_EMBEDDING_DIM":               "1536",
		"SQLRAG_LLM_PROVIDER":                "openai",
		"SQLRAG_LLM_MODEL":                   "gpt-5",
		"SQLRAG_LLM_TEMPERATURE":             "0.0",
		"SQLRAG_LLM_MAX_RETRIES":             "4",
		"SQLRAG_LLM_INITIAL_BACKOFF":         "250ms",
		"SQLRAG_LLM_RATE_LIMIT":              "2.5",
		"SQLRAG_RETRIEVAL_TOP_K_SCHEMA":      "3",
		"SQLRAG_RETRIEVAL_TOP_K_FEEDBACK":    "2",
		"SQLRAG_RETRIEVAL_MAX_CONTEXT_CHARS": "900",
		"SQLRAG_RETRIEVAL_NEGATIVE_WEIGHT":   "0.5",
		"SQLRAG_SAFETY_ALLOW_MUTATION":       "true",
		"SQLRAG_SAFETY_ALLOWED_VERBS":        "select, with ,,explain",
		"SQLRAG_SCHEMA_CACHE":                "redis",
		"SQLRAG_SCHEMA_CACHE_TTL":            "30s",
		"SQLRAG_OTLP_ENDPOINT":               "otel:4318",
	})
	cfg, err := Load("sqlrag-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "sqlrag-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:alice:sql_reader" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.TargetDB.Driver != "duckdb" || cfg.TargetDB.DSN != "/tmp/warehouse.db" || cfg.TargetDB.SchemaName != "main" {
		t.Fatalf("TargetDB = %+v", cfg.TargetDB)
	}
	if cfg.FeedbackStore.Backend != "postgres" || cfg.FeedbackStore.DSN != "postgres://feedback" {
		t.Fatalf("FeedbackStore = %+v", cfg.FeedbackStore)
	}
	if cfg.Vector.Backend != "qdrant" || cfg.Vector.QdrantURL != "http://qdrant:6333" || cfg.Vector.CollectionPrefix != "team" {
		t.Fatalf("Vector = %+v", cfg.Vector)
	}
	if !cfg.Vector.SnapshotEnabled {
		t.Fatal("Vector.SnapshotEnabled = false, want true")
	}
	if cfg.Embedding.Provider != "openai" || cfg.Embedding.Dimension != 1536 {
		t.Fatalf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Temperature != 0 || cfg.LLM.MaxRetries != 4 {
		t.Fatalf("LLM = %+v", cfg.LLM)
	}
	if cfg.LLM.InitialBackoff != 250*time.Millisecond || cfg.LLM.RateLimit != 2.5 {
		t.Fatalf("LLM backoff/rate = %s/%f", cfg.LLM.InitialBackoff, cfg.LLM.RateLimit)
	}
	if cfg.Retrieval.TopKSchema != 3 || cfg.Retrieval.TopKFeedback != 2 || cfg.Retrieval.MaxContextChars != 900 {
		t.Fatalf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Retrieval.NegativeWeight != 0.5 {
		t.Fatalf("Retrieval.NegativeWeight = %f", cfg.Retrieval.NegativeWeight)
	}
	if !cfg.Safety.AllowMutation {
		t.Fatal("Safety.AllowMutation = false, want true")
	}
	if !reflect.DeepEqual(cfg.Safety.AllowedVerbs, []string{"select", "with", "explain"}) {
		t.Fatalf("Safety.AllowedVerbs = %#v", cfg.Safety.AllowedVerbs)
	}
	if cfg.SchemaCache.Backend != "redis" || cfg.SchemaCache.TTL != 30*time.Second {
		t.Fatalf("SchemaCache = %+v", cfg.SchemaCache)
	}
	if cfg.Observability.OTLPEndpoint != "otel:4318" {
		t.Fatalf("OTLPEndpoint = %q", cfg.Observability.OTLPEndpoint)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"SQLRAG_PROFILE": "oops"},
		{"SQLRAG_HTTP_READ_TIMEOUT": "NaN"},
		{"SQLRAG_TARGET_DB_MAX_OPEN_CONNS": "oops"},
		{"SQLRAG_TARGET_DB_DRIVER": "mysql"},
		{"SQLRAG_VECTOR_BACKEND": "chroma"},
		{"SQLRAG_EMBEDDING_PROVIDER": "magic"},
		{"SQLRAG_EMBEDDING_DIM": "0"},
		{"SQLRAG_LLM_PROVIDER": "bard"},
		{"SQLRAG_LLM_MAX_RETRIES": "-1"},
		{"SQLRAG_LLM_TEMPERATURE": "bad"},
		{"SQLRAG_RETRIEVAL_TOP_K_SCHEMA": "0"},
		{"SQLRAG_SCHEMA_CACHE": "memcached"},
		{"SQLRAG_AUTH_REQUIRED": "not-bool"},
		{"SQLRAG_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("sqlrag-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
