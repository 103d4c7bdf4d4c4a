// Package config resolves platform configuration from the environment.
// Every service shares one Config; main loads .env via godotenv before
// calling Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object constructed once at startup
// and passed by reference to every component. No package-level mutable
// state.
type Config struct {
	// Environment is the deployment environment name, used as the stream
	// and cache key namespace segment (nooble:{env}:...).
	Environment string
	LogLevel    string

	HTTPPort          string
	IngestionHTTPPort string
	// PublicBaseURL is used to build WebSocket URLs returned to clients.
	PublicBaseURL string

	// AgentConfigTTL bounds both levels of the agent-config cache.
	AgentConfigTTL time.Duration

	Redis     RedisConfig
	Qdrant    QdrantConfig
	Metadata  MetadataConfig
	Providers ProviderConfig
	Workers   WorkerConfig
	Session   SessionConfig
	Streaming StreamingConfig
	Ingestion IngestionConfig
}

// RedisConfig covers the action transport and all Redis-backed caches.
type RedisConfig struct {
	URL string
	// MaxRetries bounds reconnect attempts for transient transport errors.
	MaxRetries int
	// BlockInterval is the XREADGROUP block duration.
	BlockInterval time.Duration
}

// QdrantConfig locates the vector store.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	// Collection is the single physical collection shared across tenants.
	Collection string
	// DenseDimensions is the dense vector size (1536 for
	// text-embedding-3-small).
	DenseDimensions int
}

// MetadataConfig locates the Supabase metadata store. Two DSNs: the public
// pool runs under the anon role (RLS enforced), the admin pool under the
// service role.
type MetadataConfig struct {
	SupabaseURL    string
	AnonKey        string
	ServiceRoleKey string
	// PublicDSN and AdminDSN are the Postgres connection strings derived
	// from the Supabase project (anon role / service role).
	PublicDSN string
	AdminDSN  string
}

// ProviderConfig holds external AI provider credentials.
type ProviderConfig struct {
	OpenAIAPIKey string
	GroqAPIKey   string
	// GroqBaseURL overrides the chat provider endpoint when the model is
	// served by Groq.
	GroqBaseURL string
	// EmbeddingModel and EmbeddingDimensions are the platform defaults
	// applied when an agent's rag_config leaves them unset.
	EmbeddingModel      string
	EmbeddingDimensions int
	// RequestTimeout is the default deadline for provider calls; per-call
	// config timeouts lower it but never raise it.
	RequestTimeout time.Duration
	MaxRetries     int
}

// WorkerConfig sizes the consumer pools. Each service runs ConsumerCount
// goroutines on its inbound stream, drawing from one consumer group.
type WorkerConfig struct {
	ConsumerCount           int
	GracefulShutdownTimeout time.Duration
}

// SessionConfig controls chat session lifecycle in the orchestrator.
type SessionConfig struct {
	IdleTimeout time.Duration
	GCInterval  time.Duration
	// HistoryTTL is the default conversation history cache TTL when the
	// agent's execution_config leaves it unset.
	HistoryTTL time.Duration
	// MaxHistoryLength is the default history truncation bound.
	MaxHistoryLength int
}

// StreamingConfig controls pseudo-streaming of chat responses.
type StreamingConfig struct {
	Enabled bool
	// ChunkSize is the target slice size in characters.
	ChunkSize int
	// Delay is the inter-chunk delay.
	Delay time.Duration
}

// IngestionConfig controls the ingestion pipeline.
type IngestionConfig struct {
	// TaskTTL is the cache TTL for per-task pipeline state (>= 1 hour).
	TaskTTL time.Duration
	// UploadDir is the temp directory for uploaded files.
	UploadDir string
	// MaxUploadBytes bounds multipart uploads.
	MaxUploadBytes int64
	// JWTSecret verifies Bearer tokens on the ingestion API and the
	// progress WebSocket query token.
	JWTSecret string
}

// Load reads configuration from the environment, applying defaults and
// validating the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:       getEnv("ENVIRONMENT", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		IngestionHTTPPort: getEnv("INGESTION_HTTP_PORT", "8081"),
		PublicBaseURL:     getEnv("PUBLIC_BASE_URL", "ws://localhost:8080"),
		AgentConfigTTL:    getEnvDuration("AGENT_CONFIG_TTL", 5*time.Minute),
		Redis: RedisConfig{
			URL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 5),
			BlockInterval: getEnvDuration("REDIS_BLOCK_INTERVAL", 5*time.Second),
		},
		Qdrant: QdrantConfig{
			Host:            getEnv("QDRANT_HOST", "localhost"),
			Port:            getEnvInt("QDRANT_PORT", 6334),
			APIKey:          os.Getenv("QDRANT_API_KEY"),
			UseTLS:          getEnvBool("QDRANT_USE_TLS", false),
			Collection:      getEnv("QDRANT_COLLECTION", "nooble_documents"),
			DenseDimensions: getEnvInt("QDRANT_DENSE_DIMENSIONS", 1536),
		},
		Metadata: MetadataConfig{
			SupabaseURL:    os.Getenv("SUPABASE_URL"),
			AnonKey:        os.Getenv("SUPABASE_ANON_KEY"),
			ServiceRoleKey: os.Getenv("SERVICE_ROLE_KEY"),
			PublicDSN:      os.Getenv("SUPABASE_PUBLIC_DSN"),
			AdminDSN:       os.Getenv("SUPABASE_ADMIN_DSN"),
		},
		Providers: ProviderConfig{
			OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
			GroqAPIKey:          os.Getenv("GROQ_API_KEY"),
			GroqBaseURL:         getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
			EmbeddingModel:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 1536),
			RequestTimeout:      getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),
			MaxRetries:          getEnvInt("PROVIDER_MAX_RETRIES", 3),
		},
		Workers: WorkerConfig{
			ConsumerCount:           getEnvInt("CONSUMER_COUNT", 4),
			GracefulShutdownTimeout: getEnvDuration("GRACEFUL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Session: SessionConfig{
			IdleTimeout:      getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			GCInterval:       getEnvDuration("SESSION_GC_INTERVAL", 5*time.Minute),
			HistoryTTL:       getEnvDuration("HISTORY_TTL", time.Hour),
			MaxHistoryLength: getEnvInt("MAX_HISTORY_LENGTH", 20),
		},
		Streaming: StreamingConfig{
			Enabled:   getEnvBool("PSEUDO_STREAMING_ENABLED", true),
			ChunkSize: getEnvInt("PSEUDO_STREAMING_CHUNK_SIZE", 80),
			Delay:     getEnvDuration("PSEUDO_STREAMING_DELAY", 40*time.Millisecond),
		},
		Ingestion: IngestionConfig{
			TaskTTL:        getEnvDuration("INGESTION_TASK_TTL", 2*time.Hour),
			UploadDir:      getEnv("INGESTION_UPLOAD_DIR", os.TempDir()),
			MaxUploadBytes: int64(getEnvInt("INGESTION_MAX_UPLOAD_MB", 50)) * 1024 * 1024,
			JWTSecret:      os.Getenv("INGESTION_JWT_SECRET"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Provider keys are validated by
// the services that need them so read-only services can start without.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Workers.ConsumerCount < 1 {
		return fmt.Errorf("CONSUMER_COUNT must be >= 1, got %d", c.Workers.ConsumerCount)
	}
	if c.Ingestion.TaskTTL < time.Hour {
		return fmt.Errorf("INGESTION_TASK_TTL must be >= 1h, got %s", c.Ingestion.TaskTTL)
	}
	if c.Streaming.ChunkSize < 1 {
		return fmt.Errorf("PSEUDO_STREAMING_CHUNK_SIZE must be >= 1, got %d", c.Streaming.ChunkSize)
	}
	if c.Qdrant.DenseDimensions < 1 {
		return fmt.Errorf("QDRANT_DENSE_DIMENSIONS must be >= 1, got %d", c.Qdrant.DenseDimensions)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
