// Package core provides the conversation engine facade and its wiring.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a conversation engine.
//
// It includes settings for:
//   - LLM provider (stage evaluation and summarization)
//   - Embedding provider (memory vectorization)
//   - Relational store (source of truth)
//   - Shared cache tier (optional)
//   - Engine tuning (summary interval, worker pool, TTLs)
//
// Example:
//
//	config := &core.Config{
//	    LLM: core.LLMConfig{
//	        APIKey: "sk-...",
//	        Model:  "gpt-4o-mini",
//	    },
//	    Embedder: core.EmbedderConfig{
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-3-small",
//	        Dimensions: 1536,
//	    },
//	    Database: core.DatabaseConfig{
//	        Provider: "sqlite",
//	        Path:     "./companion.db",
//	    },
//	}
type Config struct {
	// LLM contains LLM provider configuration.
	LLM LLMConfig `json:"llm"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// Database contains relational store configuration.
	Database DatabaseConfig `json:"database"`

	// Cache contains shared cache tier configuration (optional).
	Cache CacheConfig `json:"cache,omitempty"`

	// Engine contains engine tuning knobs.
	Engine EngineConfig `json:"engine"`
}

// LLMConfig contains configuration for the LLM provider. Any
// OpenAI-compatible endpoint works through BaseURL.
type LLMConfig struct {
	// APIKey is the API key for the LLM provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use (e.g., "gpt-4o-mini").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, OpenAI default if
	// empty).
	BaseURL string `json:"base_url,omitempty"`

	// Timeout bounds a single completion call.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
type EmbedderConfig struct {
	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-3-small").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536).
	Dimensions int `json:"dimensions,omitempty"`

	// CacheCapacity is the embedding cache entry limit.
	CacheCapacity int `json:"cache_capacity,omitempty"`
}

// DatabaseConfig contains configuration for the relational store.
//
// Supported providers: sqlite, postgres, mysql
type DatabaseConfig struct {
	// Provider is the relational store provider name (sqlite, postgres,
	// mysql).
	Provider string `json:"provider"`

	// Path is the sqlite database file path (sqlite only).
	Path string `json:"path,omitempty"`

	// Server connection settings (postgres and mysql).
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	DBName   string `json:"db_name,omitempty"`

	// SSLMode is the postgres sslmode setting (postgres only).
	SSLMode string `json:"ssl_mode,omitempty"`
}

// CacheConfig contains configuration for the shared cache tier.
//
// Supported providers: badger, memory, none
type CacheConfig struct {
	// Provider is the cache tier provider name (badger, memory, none).
	Provider string `json:"provider"`

	// Dir is the badger data directory (ignored for other providers).
	Dir string `json:"dir,omitempty"`

	// InMemory runs badger without disk persistence.
	InMemory bool `json:"in_memory,omitempty"`
}

// EngineConfig contains engine tuning knobs. Zero values take the
// documented defaults.
type EngineConfig struct {
	// SummaryInterval is the number of user turns between incremental
	// summaries. Default 5.
	SummaryInterval int `json:"summary_interval,omitempty"`

	// TransitionThreshold is the minimum evaluator confidence for applying
	// a stage transition. Default 0.7.
	TransitionThreshold float64 `json:"transition_threshold,omitempty"`

	// LocalTTL is the process-local context tier TTL. Default 5m.
	LocalTTL time.Duration `json:"local_ttl,omitempty"`

	// SharedTTL is the shared context tier TTL. Default 30m.
	SharedTTL time.Duration `json:"shared_ttl,omitempty"`

	// Workers is the background worker count. Default 4.
	Workers int `json:"workers,omitempty"`

	// WorkerQueue is the background task queue depth. Default 256.
	WorkerQueue int `json:"worker_queue,omitempty"`

	// NodeID distinguishes engine instances that share a store when
	// generating record ids. Default 0.
	NodeID int64 `json:"node_id,omitempty"`
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, mysql)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
//     POSTGRES_DATABASE, POSTGRES_SSLMODE
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - CACHE_PROVIDER (badger, memory, none), BADGER_DIR, BADGER_IN_MEMORY
//   - LLM_API_KEY, LLM_MODEL, LLM_BASE_URL, LLM_TIMEOUT
//   - EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL,
//     EMBEDDING_DIMENSIONS, EMBED_CACHE_CAPACITY
//   - SUMMARY_INTERVAL, TRANSITION_CONFIDENCE_THRESHOLD
//   - CONTEXT_LOCAL_TTL, CONTEXT_SHARED_TTL
//   - WORKERS, WORKER_QUEUE
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := FindEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")

	database := DatabaseConfig{Provider: provider}
	switch provider {
	case "postgres":
		database.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
		database.Port = getEnvInt("POSTGRES_PORT", 5432)
		database.User = getEnvOrDefault("POSTGRES_USER", "postgres")
		database.Password = os.Getenv("POSTGRES_PASSWORD")
		database.DBName = getEnvOrDefault("POSTGRES_DATABASE", "companion")
		database.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")
	case "mysql":
		database.Host = getEnvOrDefault("MYSQL_HOST", "127.0.0.1")
		database.Port = getEnvInt("MYSQL_PORT", 3306)
		database.User = getEnvOrDefault("MYSQL_USER", "root")
		database.Password = os.Getenv("MYSQL_PASSWORD")
		database.DBName = getEnvOrDefault("MYSQL_DATABASE", "companion")
	default:
		database.Path = getEnvOrDefault("SQLITE_PATH", "./companion.db")
	}

	cfg := &Config{
		LLM: LLMConfig{
			APIKey:  os.Getenv("LLM_API_KEY"),
			Model:   getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
			BaseURL: os.Getenv("LLM_BASE_URL"),
			Timeout: getEnvDuration("LLM_TIMEOUT", 6*time.Second),
		},
		Embedder: EmbedderConfig{
			APIKey:        getEnvOrDefault("EMBEDDING_API_KEY", os.Getenv("LLM_API_KEY")),
			Model:         getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
			BaseURL:       os.Getenv("EMBEDDING_BASE_URL"),
			Dimensions:    getEnvInt("EMBEDDING_DIMENSIONS", 1536),
			CacheCapacity: getEnvInt("EMBED_CACHE_CAPACITY", 1000),
		},
		Database: database,
		Cache: CacheConfig{
			Provider: getEnvOrDefault("CACHE_PROVIDER", "memory"),
			Dir:      getEnvOrDefault("BADGER_DIR", "./companion-cache"),
			InMemory: os.Getenv("BADGER_IN_MEMORY") == "true",
		},
		Engine: EngineConfig{
			SummaryInterval:     getEnvInt("SUMMARY_INTERVAL", 5),
			TransitionThreshold: getEnvFloat("TRANSITION_CONFIDENCE_THRESHOLD", 0.7),
			LocalTTL:            getEnvDuration("CONTEXT_LOCAL_TTL", 5*time.Minute),
			SharedTTL:           getEnvDuration("CONTEXT_SHARED_TTL", 30*time.Minute),
			Workers:             getEnvInt("WORKERS", 4),
			WorkerQueue:         getEnvInt("WORKER_QUEUE", 256),
		},
	}

	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewEngineError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewEngineError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that all required fields are set:
//   - Database provider must be specified, with a path (sqlite) or a
//     host and database name (postgres, mysql)
//   - LLM model must be specified
//   - Embedder model must be specified
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	switch c.Database.Provider {
	case "sqlite":
		if c.Database.Path == "" {
			return NewEngineError("Validate", ErrInvalidConfig)
		}
	case "postgres", "mysql":
		if c.Database.Host == "" || c.Database.DBName == "" {
			return NewEngineError("Validate", ErrInvalidConfig)
		}
	default:
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	if c.LLM.Model == "" {
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	if c.Embedder.Model == "" {
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	if c.Engine.TransitionThreshold < 0 || c.Engine.TransitionThreshold > 1 {
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns the path to the found file and whether one was found.
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
