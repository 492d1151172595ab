package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Retrieval.Threshold != 0.5 || cfg.Retrieval.Limit != 5 || cfg.Retrieval.Backend != "flat" {
		t.Fatalf("retrieval defaults unexpected: %+v", cfg.Retrieval)
	}
	if cfg.MemoryWindow != 7 {
		t.Fatalf("memory window default = %d, want 7", cfg.MemoryWindow)
	}
	if cfg.LLM.EmbeddingDim != 768 || cfg.LLM.Summarizer != "llm" {
		t.Fatalf("llm defaults unexpected: %+v", cfg.LLM)
	}
	if cfg.Ingest.ChunkSize != 1000 || cfg.Ingest.ChunkOverlap != 200 {
		t.Fatalf("ingest defaults unexpected: %+v", cfg.Ingest)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.Path != "course.db" {
		t.Fatalf("db defaults unexpected: %+v", cfg.DB)
	}
}

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("SWAGGER_ENABLED", "on")
	t.Setenv("API_BASE_PATH", "api/v1/")

	t.Setenv("DB_DRIVER", "pg")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/course")

	t.Setenv("LLM_PROVIDER", "ollama")
	t.Setenv("LLM_BASE_URL", "http://localhost:11434/")
	t.Setenv("SUMMARIZER", "extractive")
	t.Setenv("EMBED_TIMEOUT", "2s")
	t.Setenv("EMBEDDING_DIM", "3")

	t.Setenv("RETRIEVAL_BACKEND", "chromem")
	t.Setenv("RETRIEVAL_THRESHOLD", "0.3")
	t.Setenv("RETRIEVAL_LIMIT", "8")
	t.Setenv("MEMORY_WINDOW", "4")

	t.Setenv("CHUNK_SIZE", "500")
	t.Setenv("CHUNK_OVERLAP", "50")

	t.Setenv("RATE_RPS", "x")      // -> default 5.0
	t.Setenv("RATE_BURST", "nope") // -> default 10

	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")
	t.Setenv("AUTH_JWT_SECRET", "s3cret")

	t.Setenv("IDEMPOTENCY_TTL", "48h")

	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || !cfg.SwaggerEnabled || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging/docs unexpected: %+v", cfg)
	}
	if cfg.DB.Driver != "postgres" || cfg.DB.URL == "" {
		t.Fatalf("db unexpected: %+v", cfg.DB)
	}
	if cfg.LLM.Provider != "ollama" || cfg.LLM.BaseURL != "http://localhost:11434" ||
		cfg.LLM.Summarizer != "extractive" || cfg.LLM.EmbedTimeout != 2*time.Second || cfg.LLM.EmbeddingDim != 3 {
		t.Fatalf("llm unexpected: %+v", cfg.LLM)
	}
	if cfg.Retrieval.Backend != "chromem" || cfg.Retrieval.Threshold != 0.3 || cfg.Retrieval.Limit != 8 || cfg.MemoryWindow != 4 {
		t.Fatalf("retrieval unexpected: %+v window=%d", cfg.Retrieval, cfg.MemoryWindow)
	}
	if cfg.Ingest.ChunkSize != 500 || cfg.Ingest.ChunkOverlap != 50 {
		t.Fatalf("ingest unexpected: %+v", cfg.Ingest)
	}
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}
	if cfg.Auth.JWTSecret != "s3cret" || cfg.Auth.AdminRole != "admin" {
		t.Fatalf("auth unexpected: %+v", cfg.Auth)
	}
	if cfg.IdempotencyTTL != 48*time.Hour {
		t.Fatalf("idempotency ttl unexpected: %v", cfg.IdempotencyTTL)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"empty PORT", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"non-positive timeouts", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"max header bytes", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"empty DB_PATH", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}, "DATABASE_URL"},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"unknown provider", map[string]string{"LLM_PROVIDER": "bard"}, "LLM_PROVIDER"},
		{"unknown summarizer", map[string]string{"SUMMARIZER": "magic"}, "SUMMARIZER"},
		{"collaborator timeout", map[string]string{"GENERATE_TIMEOUT": "-1s"}, "collaborator timeouts"},
		{"unknown backend", map[string]string{"RETRIEVAL_BACKEND": "faiss"}, "RETRIEVAL_BACKEND"},
		{"threshold range", map[string]string{"RETRIEVAL_THRESHOLD": "1.5"}, "RETRIEVAL_THRESHOLD"},
		{"limit", map[string]string{"RETRIEVAL_LIMIT": "0"}, "RETRIEVAL_LIMIT"},
		{"memory window", map[string]string{"MEMORY_WINDOW": "0"}, "MEMORY_WINDOW"},
		{"overlap >= size", map[string]string{"CHUNK_SIZE": "100", "CHUNK_OVERLAP": "100"}, "CHUNK_OVERLAP"},
		{"ingest concurrency", map[string]string{"INGEST_CONCURRENCY": "0"}, "INGEST_CONCURRENCY"},
		{"negative rps", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"burst", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"hsts", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"idempotency ttl", map[string]string{"IDEMPOTENCY_TTL": "0s"}, "IDEMPOTENCY_TTL"},
		{"sample ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "2"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got: %v", tc.want, err)
			}
		})
	}
}

// --- helpers ---

func TestHelpers(t *testing.T) {
	t.Setenv("X_BOOL", "off")
	if getbool("X_BOOL", true) {
		t.Fatalf("getbool(off) should be false")
	}
	t.Setenv("X_BOOL", "maybe")
	if !getbool("X_BOOL", true) {
		t.Fatalf("unparseable bool should fall back to default")
	}
	t.Setenv("X_DUR", "nope")
	if getdur("X_DUR", time.Second) != time.Second {
		t.Fatalf("unparseable duration should fall back to default")
	}
	if got := splitCSV(""); got != nil {
		t.Fatalf("splitCSV(\"\") = %#v, want nil", got)
	}
	for in, want := range map[string]string{"": "/", "  ": "/", "v1": "/v1", "/v1/": "/v1", "/": "/"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}
