package core

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/engram-labs/engram-go/pkg/graduation"
	"github.com/engram-labs/engram-go/pkg/retrieval"
)

// DefaultMaxContentLength is the hard cap on persisted content. Incoming
// content is assumed already masked by the caller (privacy contract);
// the length cap is enforced here regardless.
const DefaultMaxContentLength = 32 * 1024

// Config contains the complete configuration for an Engram client.
//
// Everything is rooted under StorageDir: the SQLite ledger file and the
// persisted similarity index live side by side so cooperating processes
// share one directory.
type Config struct {
	// StorageDir is the root directory for all persisted state (required).
	StorageDir string `json:"storage_dir"`

	// NodeID seeds the snowflake id generator. Processes writing to the
	// same store concurrently should use distinct node ids.
	NodeID int64 `json:"node_id"`

	// MaxContentLength caps persisted content; longer content is
	// truncated head+tail with a visible marker.
	MaxContentLength int `json:"max_content_length"`

	// DuplicateWindow bounds same-session duplicate detection on append.
	DuplicateWindow time.Duration `json:"duplicate_window"`

	// Embedder configures the embedding provider.
	Embedder EmbedderConfig `json:"embedder"`

	// Retrieval tunes the progressive retriever.
	Retrieval retrieval.Config `json:"retrieval"`

	// Graduation tunes the level thresholds and retention age.
	Graduation graduation.Config `json:"graduation"`

	// Outbox configures the background embedding worker.
	Outbox OutboxConfig `json:"outbox"`
}

// EmbedderConfig configures the embedding provider.
//
// Supported providers: openai, ollama, none. With "none" the client runs
// keyword-only: events are still ledgered but never embedded.
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, ollama, none).
	Provider string `json:"provider"`

	// APIKey is the API key (required for openai).
	APIKey string `json:"api_key,omitempty"`

	// Model is the embedding model name (provider default if empty).
	Model string `json:"model,omitempty"`

	// BaseURL overrides the provider endpoint (optional).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the vector dimension (provider default if zero).
	Dimensions int `json:"dimensions,omitempty"`
}

// OutboxConfig configures the background embedding worker.
type OutboxConfig struct {
	// BatchSize bounds how many events one drain embeds.
	BatchSize int `json:"batch_size"`

	// ClaimTimeout is how long a claim is held before re-claim.
	ClaimTimeout time.Duration `json:"claim_timeout"`

	// EmbedTimeout bounds each embedding backend call.
	EmbedTimeout time.Duration `json:"embed_timeout"`

	// Interval is the drain period for the worker loop.
	Interval time.Duration `json:"interval"`
}

// Validate checks that the configuration is complete enough to open a
// client.
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	if c.Embedder.Provider == "openai" && c.Embedder.APIKey == "" {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	return nil
}

// DBPath returns the ledger file path under the storage directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorageDir, "engram.db")
}

// VectorPath returns the similarity index directory under the storage
// directory.
func (c *Config) VectorPath() string {
	return filepath.Join(c.StorageDir, "vectors")
}

// LoadConfigFromEnv loads configuration from environment variables,
// reading a .env file first when one is found in the current directory
// or up to five levels above it.
//
// Supported variables:
//   - ENGRAM_STORAGE_DIR (default: ~/.engram)
//   - ENGRAM_NODE_ID
//   - ENGRAM_MAX_CONTENT_LENGTH
//   - ENGRAM_EMBEDDING_PROVIDER (openai, ollama, none)
//   - ENGRAM_EMBEDDING_API_KEY, ENGRAM_EMBEDDING_MODEL,
//     ENGRAM_EMBEDDING_BASE_URL, ENGRAM_EMBEDDING_DIMENSIONS
//   - ENGRAM_TOP_K, ENGRAM_MIN_SCORE, ENGRAM_TOKEN_BUDGET
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := findEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	storageDir := os.Getenv("ENGRAM_STORAGE_DIR")
	if storageDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, NewMemoryError("LoadConfigFromEnv", err)
		}
		storageDir = filepath.Join(home, ".engram")
	}

	nodeID, _ := strconv.ParseInt(getEnvOrDefault("ENGRAM_NODE_ID", "1"), 10, 64)
	maxContent, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_MAX_CONTENT_LENGTH",
		strconv.Itoa(DefaultMaxContentLength)))
	dims, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_EMBEDDING_DIMENSIONS", "0"))
	topK, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_TOP_K", "0"))
	minScore, _ := strconv.ParseFloat(getEnvOrDefault("ENGRAM_MIN_SCORE", "0"), 64)
	budget, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_TOKEN_BUDGET", "0"))

	cfg := &Config{
		StorageDir:       storageDir,
		NodeID:           nodeID,
		MaxContentLength: maxContent,
		Embedder: EmbedderConfig{
			Provider:   getEnvOrDefault("ENGRAM_EMBEDDING_PROVIDER", "none"),
			APIKey:     os.Getenv("ENGRAM_EMBEDDING_API_KEY"),
			Model:      os.Getenv("ENGRAM_EMBEDDING_MODEL"),
			BaseURL:    os.Getenv("ENGRAM_EMBEDDING_BASE_URL"),
			Dimensions: dims,
		},
		Retrieval: retrieval.Config{
			TopK:           topK,
			MinScore:       minScore,
			MaxTotalTokens: budget,
		},
	}
	return cfg, nil
}

// findEnvFile searches for a .env file in the current directory and up
// to five parent directories.
func findEnvFile() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
