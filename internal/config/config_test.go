package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("EMBEDDING_DIM", "768")
	t.Setenv("INDEX_STRATEGY", "HNSW")
	t.Setenv("PORT", "9090")

	cfg := LoadFromEnv()
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.Equal(t, "hnsw", cfg.IndexStrategy)
	assert.Equal(t, 9090, cfg.Port)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedding_dim: 512\nindex_strategy: ivf\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.EmbeddingDim)
	assert.Equal(t, "ivf", cfg.IndexStrategy)
	assert.Equal(t, 4040, cfg.Port) // untouched field keeps its default
}

func TestLoadConfigOrDefaultFallsBackWhenMissing(t *testing.T) {
	cfg := LoadConfigOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IndexStrategy = "not-a-strategy"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveDim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 0
	assert.Error(t, cfg.Validate())
}
