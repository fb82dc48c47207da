package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv pins every override variable to its yaml value
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "OLLAMA_BASE_URL", "EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_DIM",
		"GEMINI_API_KEY", "OPENAI_BASE_URL", "OPENAI_API_KEY", "STORAGE_BACKEND", "BUCKET_NAME",
		"AWS_REGION", "AWS_ACCESS_KEY", "AWS_SECRET_KEY", "S3_ENDPOINT",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "qwen3-embedding", cfg.Embeddings.Model)
	assert.Equal(t, 4096, cfg.Embeddings.Dim)
	assert.Equal(t, 0.70, cfg.Retrieval.Alpha)
	assert.Equal(t, 5000, cfg.Processing.MaxChars)
	assert.Equal(t, 800, cfg.Processing.MinChars)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  connection_string: postgres://file/db
embeddings:
  model: nomic-embed-text
  dim: 768
worker:
  poll_interval: 500ms
retrieval:
  alpha: 0.5
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", cfg.Database.ConnectionString)
	assert.Equal(t, 768, cfg.Embeddings.Dim)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 0.5, cfg.Retrieval.Alpha)
	assert.Equal(t, 800, cfg.Processing.MinChars)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("EMBEDDING_DIM", "1024")
	t.Setenv("EMBEDDING_PROVIDER", ProviderGemini)
	t.Setenv("GEMINI_API_KEY", "secret")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.Database.ConnectionString)
	assert.Equal(t, 1024, cfg.Embeddings.Dim)
	assert.Equal(t, "secret", cfg.Embeddings.APIKey)

	t.Setenv("EMBEDDING_DIM", "many")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.Embeddings.Dim)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: [unclosed"), 0600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"alpha not a number", func(c *Config) { c.Retrieval.Alpha = math.NaN() }},
		{"alpha above one", func(c *Config) { c.Retrieval.Alpha = 1.2 }},
		{"zero dim", func(c *Config) { c.Embeddings.Dim = 0 }},
		{"min above max", func(c *Config) { c.Processing.MinChars = 6000 }},
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "bert" }},
		{"openai without key", func(c *Config) { c.Embeddings.Provider = ProviderOpenAI }},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = BackendS3 }},
		{"unknown distance", func(c *Config) { c.Retrieval.Distance = "dot" }},
		{"no attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Worker.LeaseTimeout = 0
	cfg.Storage.Prefix = "tenants-a"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
