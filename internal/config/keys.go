package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

func (t keyType) parse(raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

// keySpec binds a dotted config key and its environment variable to one
// Config field.
type keySpec struct {
	key     string
	env     string
	typ     keyType
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func field[T any](key, env string, typ keyType, ptr func(*Config) *T) keySpec {
	return keySpec{
		key: key, env: env, typ: typ,
		apply:   func(cfg *Config, v any) { *ptr(cfg) = v.(T) },
		extract: func(cfg Config) any { return *ptr(&cfg) },
	}
}

func stringKey(key, env string, ptr func(*Config) *string) keySpec {
	return field(key, env, kString, ptr)
}

func intKey(key, env string, ptr func(*Config) *int) keySpec {
	return field(key, env, kInt, ptr)
}

func floatKey(key, env string, ptr func(*Config) *float64) keySpec {
	return field(key, env, kFloat, ptr)
}

// secretKey is only ever read from the environment and is masked on display.
func secretKey(key, env string, ptr func(*Config) *string) keySpec {
	s := stringKey(key, env, ptr)
	s.secret = true
	return s
}

var specs = []keySpec{
	intKey("server.port", "DOCQA_PORT", func(c *Config) *int { return &c.Server.Port }),
	intKey("server.request_timeout", "DOCQA_REQUEST_TIMEOUT", func(c *Config) *int { return &c.Server.RequestTimeout }),
	stringKey("log.level", "DOCQA_LOG_LEVEL", func(c *Config) *string { return &c.Log.Level }),
	stringKey("storage.data_dir", "DOCQA_DATA_DIR", func(c *Config) *string { return &c.Storage.DataDir }),

	stringKey("ollama.base_url", "DOCQA_OLLAMA_URL", func(c *Config) *string { return &c.Ollama.BaseURL }),
	stringKey("ollama.embed_model", "DOCQA_EMBED_MODEL", func(c *Config) *string { return &c.Ollama.EmbedModel }),
	stringKey("ollama.gen_model", "DOCQA_GEN_MODEL", func(c *Config) *string { return &c.Ollama.GenModel }),

	stringKey("generation.provider", "DOCQA_GEN_PROVIDER", func(c *Config) *string { return &c.Generation.Provider }),
	stringKey("generation.base_url", "DOCQA_GEN_BASE_URL", func(c *Config) *string { return &c.Generation.BaseURL }),
	secretKey("generation.api_key", "DOCQA_GEN_API_KEY", func(c *Config) *string { return &c.Generation.APIKey }),
	stringKey("generation.model", "DOCQA_GEN_API_MODEL", func(c *Config) *string { return &c.Generation.Model }),
	intKey("generation.context_tokens", "DOCQA_CONTEXT_TOKENS", func(c *Config) *int { return &c.Generation.ContextTokens }),
	intKey("generation.timeout", "DOCQA_GEN_TIMEOUT", func(c *Config) *int { return &c.Generation.Timeout }),
	intKey("generation.retry_backoff_ms", "DOCQA_GEN_RETRY_BACKOFF_MS", func(c *Config) *int { return &c.Generation.RetryBackoffMS }),

	stringKey("vector.backend", "DOCQA_VECTOR_BACKEND", func(c *Config) *string { return &c.Vector.Backend }),
	intKey("vector.dimension", "DOCQA_VECTOR_DIMENSION", func(c *Config) *int { return &c.Vector.Dimension }),
	secretKey("vector.postgres_dsn", "DOCQA_POSTGRES_DSN", func(c *Config) *string { return &c.Vector.PostgresDSN }),

	intKey("chunking.max_tokens", "DOCQA_CHUNK_MAX_TOKENS", func(c *Config) *int { return &c.Chunking.MaxTokens }),
	intKey("chunking.overlap_tokens", "DOCQA_CHUNK_OVERLAP_TOKENS", func(c *Config) *int { return &c.Chunking.OverlapTokens }),
	stringKey("chunking.tokenizer", "DOCQA_TOKENIZER", func(c *Config) *string { return &c.Chunking.Tokenizer }),

	intKey("retrieval.top_k", "DOCQA_TOP_K", func(c *Config) *int { return &c.Retrieval.TopK }),
	floatKey("retrieval.score_threshold", "DOCQA_SCORE_THRESHOLD", func(c *Config) *float64 { return &c.Retrieval.ScoreThreshold }),

	intKey("embedding.batch_size", "DOCQA_EMBED_BATCH", func(c *Config) *int { return &c.Embedding.BatchSize }),
	floatKey("embedding.rate_limit", "DOCQA_EMBED_RATE_LIMIT", func(c *Config) *float64 { return &c.Embedding.RateLimit }),

	intKey("index.idle_ttl_minutes", "DOCQA_INDEX_IDLE_TTL", func(c *Config) *int { return &c.Index.IdleTTLMinutes }),
	intKey("index.sweep_interval_minutes", "DOCQA_INDEX_SWEEP_INTERVAL", func(c *Config) *int { return &c.Index.SweepIntervalMinutes }),
	intKey("ingest.workers", "DOCQA_INGEST_WORKERS", func(c *Config) *int { return &c.Ingest.Workers }),

	secretKey("auth.jwt_secret", "DOCQA_JWT_SECRET", func(c *Config) *string { return &c.Auth.JWTSecret }),
	stringKey("mcp.owner_id", "DOCQA_MCP_OWNER", func(c *Config) *string { return &c.MCP.OwnerID }),
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyBackend copies persisted values over cfg. A backend read error is
// returned; an unparsable float is skipped with a warning.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		var (
			v   any
			ok  bool
			err error
		)
		switch s.typ {
		case kInt:
			v, ok, err = b.GetInt(s.key)
		case kFloat:
			var raw string
			raw, ok, err = b.GetString(s.key)
			if err == nil && ok {
				if v, err = s.typ.parse(raw); err != nil {
					slog.Warn("ignoring unparsable config value", "key", s.key, "value", raw, "error", err)
					continue
				}
			}
		default:
			v, ok, err = b.GetString(s.key)
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

// applyEnvOverrides lets DOCQA_* variables win over the file. Unparsable
// values are ignored with a warning so a typo does not stop the server.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
