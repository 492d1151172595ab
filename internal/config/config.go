// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, retrieval, conversational memory, model collaborators,
// ingestion, rate limiting, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// AuthConfig controls bearer-token identity. With an empty JWTSecret the API
// trusts the X-User-ID header instead.
type AuthConfig struct {
	JWTSecret string // AUTH_JWT_SECRET
	Issuer    string // AUTH_JWT_ISSUER (optional)
	AdminRole string // AUTH_ADMIN_ROLE
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "course-rag-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the GORM dialector and its connection target.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file path
	URL    string // postgres DSN
}

// LLMConfig configures the embedding, generation and summarization
// collaborators.
type LLMConfig struct {
	Provider         string        // openai|langchain|ollama
	BaseURL          string        // OpenAI-compatible base URL or ollama server URL
	APIKey           string        // bearer token, unused by ollama
	ChatModel        string        // generation model
	EmbedModel       string        // embedding model
	Summarizer       string        // llm|extractive
	EmbedTimeout     time.Duration // per embed call
	GenerateTimeout  time.Duration // per generate call
	SummarizeTimeout time.Duration // per summarize call
	EmbeddingDim     int           // fixed vector dimension
}

// RetrievalConfig configures the similarity retriever.
type RetrievalConfig struct {
	Backend         string  // flat|chromem
	Threshold       float64 // default similarity threshold
	Limit           int     // default max results
	ChromemPath     string  // empty keeps chromem in memory
	ChromemCompress bool
}

// IngestConfig configures document splitting and embedding fan-out.
type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Concurrency  int
	MaterialsDir string // base directory for relative material paths
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 90s, generation is slow
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	LogRedact      bool   // scrub ids, emails and phone numbers from access logs
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DB DBConfig

	// Core
	LLM              LLMConfig
	Retrieval        RetrievalConfig
	MemoryWindow     int // raw messages kept verbatim per conversation
	MaxQuestionRunes int
	Ingest           IngestConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig
	Auth     AuthConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		LogRedact:      getbool("LOG_REDACT", true),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "course.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		LLM: LLMConfig{
			Provider:         strings.ToLower(getenv("LLM_PROVIDER", "openai")),
			BaseURL:          getenv("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:           getenv("LLM_API_KEY", ""),
			ChatModel:        getenv("LLM_CHAT_MODEL", "gpt-4o-mini"),
			EmbedModel:       getenv("LLM_EMBED_MODEL", "text-embedding-3-small"),
			Summarizer:       strings.ToLower(getenv("SUMMARIZER", "llm")),
			EmbedTimeout:     getdur("EMBED_TIMEOUT", 10*time.Second),
			GenerateTimeout:  getdur("GENERATE_TIMEOUT", 60*time.Second),
			SummarizeTimeout: getdur("SUMMARIZE_TIMEOUT", 30*time.Second),
			EmbeddingDim:     getint("EMBEDDING_DIM", 768),
		},

		Retrieval: RetrievalConfig{
			Backend:         strings.ToLower(getenv("RETRIEVAL_BACKEND", "flat")),
			Threshold:       getfloat("RETRIEVAL_THRESHOLD", 0.5),
			Limit:           getint("RETRIEVAL_LIMIT", 5),
			ChromemPath:     getenv("CHROMEM_PATH", ""),
			ChromemCompress: getbool("CHROMEM_COMPRESS", false),
		},
		MemoryWindow:     getint("MEMORY_WINDOW", 7),
		MaxQuestionRunes: getint("MAX_QUESTION_RUNES", 2000),

		Ingest: IngestConfig{
			ChunkSize:    getint("CHUNK_SIZE", 1000),
			ChunkOverlap: getint("CHUNK_OVERLAP", 200),
			Concurrency:  getint("INGEST_CONCURRENCY", 4),
			MaterialsDir: getenv("MATERIALS_DIR", "materials"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},
		Auth: AuthConfig{
			JWTSecret: getenv("AUTH_JWT_SECRET", ""),
			Issuer:    getenv("AUTH_JWT_ISSUER", ""),
			AdminRole: getenv("AUTH_ADMIN_ROLE", "admin"),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "course-rag-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}
	cfg.LLM.BaseURL = strings.TrimRight(cfg.LLM.BaseURL, "/")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	switch cfg.LLM.Provider {
	case "openai", "langchain", "ollama":
	default:
		return cfg, errors.New("LLM_PROVIDER must be one of: openai, langchain, ollama")
	}
	switch cfg.LLM.Summarizer {
	case "llm", "extractive":
	default:
		return cfg, errors.New("SUMMARIZER must be one of: llm, extractive")
	}
	if cfg.LLM.EmbedTimeout <= 0 || cfg.LLM.GenerateTimeout <= 0 || cfg.LLM.SummarizeTimeout <= 0 {
		return cfg, errors.New("collaborator timeouts must be positive durations")
	}
	if cfg.LLM.EmbeddingDim < 0 {
		return cfg, errors.New("EMBEDDING_DIM must be >= 0")
	}
	switch cfg.Retrieval.Backend {
	case "flat", "chromem":
	default:
		return cfg, errors.New("RETRIEVAL_BACKEND must be one of: flat, chromem")
	}
	if cfg.Retrieval.Threshold < -1 || cfg.Retrieval.Threshold > 1 {
		return cfg, errors.New("RETRIEVAL_THRESHOLD must be between -1 and 1")
	}
	if cfg.Retrieval.Limit < 1 {
		return cfg, errors.New("RETRIEVAL_LIMIT must be >= 1")
	}
	if cfg.MemoryWindow < 1 {
		return cfg, errors.New("MEMORY_WINDOW must be >= 1")
	}
	if cfg.MaxQuestionRunes < 1 {
		return cfg, errors.New("MAX_QUESTION_RUNES must be >= 1")
	}
	if cfg.Ingest.ChunkSize < 1 || cfg.Ingest.ChunkOverlap < 0 || cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		return cfg, errors.New("CHUNK_SIZE must be >= 1 and 0 <= CHUNK_OVERLAP < CHUNK_SIZE")
	}
	if cfg.Ingest.Concurrency < 1 {
		return cfg, errors.New("INGEST_CONCURRENCY must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- env helpers ----

// lookup parses the trimmed value of k, falling back to def when the
// variable is unset, blank, or fails to parse.
func lookup[T any](k string, def T, parse func(string) (T, error)) T {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func getenv(k, def string) string {
	return lookup(k, def, func(s string) (string, error) { return s, nil })
}

func getint(k string, def int) int { return lookup(k, def, strconv.Atoi) }

func getdur(k string, def time.Duration) time.Duration { return lookup(k, def, time.ParseDuration) }

func getfloat(k string, def float64) float64 {
	return lookup(k, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func getbool(k string, def bool) bool { return lookup(k, def, parseBool) }

var errNotBool = errors.New("not a boolean")

// parseBool accepts the usual env spellings: 1/0, true/false, yes/no, y/n, on/off.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, errNotBool
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
