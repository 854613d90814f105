package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Ollama     OllamaConfig
	Generation GenerationConfig
	Vector     VectorConfig
	Chunking   ChunkingConfig
	Retrieval  RetrievalConfig
	Embedding  EmbeddingConfig
	Index      IndexConfig
	Ingest     IngestConfig
	Auth       AuthConfig
	MCP        MCPConfig
}

type ServerConfig struct {
	Port           int
	RequestTimeout int // seconds
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	GenModel   string
}

type GenerationConfig struct {
	Provider       string // "ollama" or "openai"
	BaseURL        string
	APIKey         string
	Model          string
	ContextTokens  int
	Timeout        int // seconds
	RetryBackoffMS int
}

type VectorConfig struct {
	Backend     string // "memory", "sqlite" or "pgvector"
	Dimension   int
	PostgresDSN string
}

type ChunkingConfig struct {
	MaxTokens     int
	OverlapTokens int
	Tokenizer     string
}

type RetrievalConfig struct {
	TopK           int
	ScoreThreshold float64
}

type EmbeddingConfig struct {
	BatchSize int
	RateLimit float64 // requests per second, 0 = unlimited
}

type IndexConfig struct {
	IdleTTLMinutes       int
	SweepIntervalMinutes int
}

type IngestConfig struct {
	Workers int
}

type AuthConfig struct {
	JWTSecret string
}

type MCPConfig struct {
	OwnerID string
}

// Vector backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPGVector = "pgvector"
)

// Generation providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

var backendAliases = map[string]string{
	"ephemeral": BackendMemory,
	"persisted": BackendSQLite,
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100, RequestTimeout: 60},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			GenModel:   "llama3.2",
		},
		Generation: GenerationConfig{
			Provider:       ProviderOllama,
			BaseURL:        "https://openrouter.ai/api/v1",
			ContextTokens:  2048,
			Timeout:        60,
			RetryBackoffMS: 500,
		},
		Vector:    VectorConfig{Backend: BackendMemory, Dimension: 768},
		Chunking:  ChunkingConfig{MaxTokens: 256, OverlapTokens: 32, Tokenizer: "estimate"},
		Retrieval: RetrievalConfig{TopK: 5, ScoreThreshold: 0.3},
		Embedding: EmbeddingConfig{BatchSize: 16},
		Index:     IndexConfig{IdleTTLMinutes: 60, SweepIntervalMinutes: 60},
		Ingest:    IngestConfig{Workers: 2},
		MCP:       MCPConfig{OwnerID: "local"},
	}
}

// Load reads configuration from defaults, the JSON config file at
// $XDG_CONFIG_HOME/docqa/config.json, and DOCQA_* environment variables, in
// that order of precedence (later wins). Secrets are read from the
// environment only. The result is validated.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Vector.Backend = strings.ToLower(strings.TrimSpace(c.Vector.Backend))
	if alias, ok := backendAliases[c.Vector.Backend]; ok {
		c.Vector.Backend = alias
	}
	c.Generation.Provider = strings.ToLower(strings.TrimSpace(c.Generation.Provider))
	c.Chunking.Tokenizer = strings.ToLower(strings.TrimSpace(c.Chunking.Tokenizer))
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Vector.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("vector.dimension must be positive, got %d", c.Vector.Dimension))
	}
	if c.Chunking.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens))
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		errs = append(errs, fmt.Errorf("chunking.overlap_tokens must be in [0, max_tokens), got %d", c.Chunking.OverlapTokens))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK))
	}
	if c.Retrieval.ScoreThreshold < -1 || c.Retrieval.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("retrieval.score_threshold must be in [-1, 1], got %v", c.Retrieval.ScoreThreshold))
	}
	if c.Generation.ContextTokens <= 0 {
		errs = append(errs, fmt.Errorf("generation.context_tokens must be positive, got %d", c.Generation.ContextTokens))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers))
	}

	switch c.Vector.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPGVector:
		if c.Vector.PostgresDSN == "" {
			errs = append(errs, errors.New("vector.backend pgvector requires DOCQA_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector.backend %q (memory, sqlite, pgvector)", c.Vector.Backend))
	}

	switch c.Generation.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		if c.Generation.APIKey == "" {
			errs = append(errs, errors.New("generation.provider openai requires DOCQA_GEN_API_KEY"))
		}
		if c.Generation.Model == "" {
			errs = append(errs, errors.New("generation.provider openai requires generation.model"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown generation.provider %q (ollama, openai)", c.Generation.Provider))
	}

	switch c.Chunking.Tokenizer {
	case "", "estimate", "tiktoken":
	default:
		errs = append(errs, fmt.Errorf("unknown chunking.tokenizer %q (estimate, tiktoken)", c.Chunking.Tokenizer))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Timeout returns the per-request HTTP timeout.
func (c ServerConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// TimeoutDuration returns the per-question generation timeout; 0 means none.
func (c GenerationConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// RetryBackoff returns the wait before the single generation retry.
func (c GenerationConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// IdleTTL returns how long an unused document stays in the memory index.
func (c IndexConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMinutes) * time.Minute
}

// SweepInterval returns how often idle documents are evicted.
func (c IndexConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}
