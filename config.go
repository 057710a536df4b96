package ancrage

import (
	"os"
	"path/filepath"
)

// Config holds bootstrap configuration for the engine: everything that
// must be known before the database is open. Runtime-tunable knobs
// (chunk sizes, cache TTL, retrieval weights) live in the system_config
// table and are served by the settings resolver.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.ancrage/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is
	// not set. "home" (default) uses ~/.ancrage/, "local" the cwd.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`
	Vision    LLMConfig `json:"vision" yaml:"vision"`
	// Rerank is optional; when empty the Chat provider reranks.
	Rerank LLMConfig `json:"rerank" yaml:"rerank"`

	// Embedding dimensions (must match the embedding model).
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Upload admission
	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes"`

	// Pipeline sizing
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"` // per-stage queue capacity
	Workers    int `json:"workers" yaml:"workers"`         // workers per stage

	// RedisAddr switches the stage queues from in-memory channels to
	// Redis lists when set (host:port). Empty keeps the default backend.
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
}

// LLMConfig configures a single OpenAI-compatible provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openrouter, openai, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with defaults for local inference.
func DefaultConfig() Config {
	return Config{
		DBName:     "ancrage",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Vision: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2-vision",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:   768,
		MaxUploadBytes: 50 << 20,
		QueueDepth:     256,
		Workers:        2,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "ancrage"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".ancrage", name+".db")
	}
}
