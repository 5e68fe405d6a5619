// Package config loads vexshard's configuration, following the
// reference tree's apoc.LoadFromEnv/LoadConfig/DefaultConfig trio in
// apoc/config.go: environment variables take precedence over a YAML
// file, which takes precedence over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is vexshard's runtime configuration.
type Config struct {
	StoragePath   string  `yaml:"storage_path"`
	RoutingDBPath string  `yaml:"routing_db_path"`
	EmbeddingDim  int     `yaml:"embedding_dim"`
	IndexStrategy string  `yaml:"index_strategy"`
	MinSimilarity float32 `yaml:"min_similarity"`
	Port          int     `yaml:"port"`
}

// DefaultConfig returns vexshard's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		StoragePath:   "./data/shards",
		RoutingDBPath: "./data/routing",
		EmbeddingDim:  384,
		IndexStrategy: "centroid",
		MinSimilarity: 0,
		Port:          4040,
	}
}

// LoadFromEnv loads configuration from environment variables, falling
// back to DefaultConfig for anything unset.
//
// Environment Variables:
//
//	STORAGE_PATH     - on-disk root for shard files
//	ROUTING_DB_PATH  - BadgerDB path for the Shard Router's routing state
//	EMBEDDING_DIM    - vector dimension D
//	INDEX_STRATEGY   - one of centroid, quantized, hnsw, binary, ivf, pq
//	MIN_SIMILARITY   - loaded into MinSimilarity; the serve command does not pass it to queries
//	PORT             - HTTP listen port (default 4040)
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("ROUTING_DB_PATH"); v != "" {
		cfg.RoutingDBPath = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("INDEX_STRATEGY"); v != "" {
		cfg.IndexStrategy = strings.ToLower(v)
	}
	if v := os.Getenv("MIN_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.MinSimilarity = float32(f)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	return cfg
}

// LoadConfig loads configuration from a YAML file, with DefaultConfig
// filling any field the file does not set.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid_input: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigOrDefault loads config from path, or returns DefaultConfig
// if the file cannot be read.
func LoadConfigOrDefault(path string) *Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// LoadFromEnvOrFile loads the file (or defaults if absent), then lets
// environment variables override any field they set.
func LoadFromEnvOrFile(path string) *Config {
	cfg := LoadConfigOrDefault(path)

	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("ROUTING_DB_PATH"); v != "" {
		cfg.RoutingDBPath = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("INDEX_STRATEGY"); v != "" {
		cfg.IndexStrategy = strings.ToLower(v)
	}
	if v := os.Getenv("MIN_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.MinSimilarity = float32(f)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	return cfg
}

// Validate rejects configurations the server cannot start with,
// surfaced as the spec's exit code 1 (config error).
func (c *Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("invalid_input: embedding_dim must be > 0, got %d", c.EmbeddingDim)
	}
	switch c.IndexStrategy {
	case "centroid", "quantized", "hnsw", "binary", "ivf", "pq":
	default:
		return fmt.Errorf("unknown_strategy: %q", c.IndexStrategy)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("invalid_input: storage_path must not be empty")
	}
	return nil
}
