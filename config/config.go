package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Embedding providers
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Blob storage backends
const (
	BackendDB = "db"
	BackendS3 = "s3"
)

// ErrInvalid is wrapped by every Validate failure
var ErrInvalid = errors.New("invalid config")

// Config holds application configuration
type Config struct {
	Database struct {
		ConnectionString string `yaml:"connection_string"`
		MaxConns         int32  `yaml:"max_conns"`
	} `yaml:"database"`
	Ollama struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"ollama"`
	Embeddings struct {
		Provider    string `yaml:"provider"`
		Model       string `yaml:"model"`
		Dim         int    `yaml:"dim"`
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"embeddings"`
	Processing struct {
		MaxChars int `yaml:"max_chars"`
		MinChars int `yaml:"min_chars"`
	} `yaml:"processing"`
	Worker struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		LeaseTimeout time.Duration `yaml:"lease_timeout"`
		Concurrency  int           `yaml:"concurrency"`
		Priority     int           `yaml:"priority"`
		MaxAttempts  int           `yaml:"max_attempts"`
	} `yaml:"worker"`
	Retrieval struct {
		KVec     int     `yaml:"k_vec"`
		KText    int     `yaml:"k_text"`
		Alpha    float64 `yaml:"alpha"`
		UseText  bool    `yaml:"use_text"`
		Distance string  `yaml:"distance"`
	} `yaml:"retrieval"`
	Storage struct {
		Backend   string `yaml:"backend"`
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Endpoint  string `yaml:"endpoint"`
		Prefix    string `yaml:"prefix"`
	} `yaml:"storage"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultPath is ~/.docrag/config.yaml
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".docrag", "config.yaml")
}

// Load reads the yaml file at path (DefaultPath when empty) over the defaults,
// then applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	_ = godotenv.Load()
	cfg.applyEnv()

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Database.ConnectionString = getEnv("DATABASE_URL", c.Database.ConnectionString)
	c.Ollama.BaseURL = getEnv("OLLAMA_BASE_URL", c.Ollama.BaseURL)

	c.Embeddings.Provider = getEnv("EMBEDDING_PROVIDER", c.Embeddings.Provider)
	c.Embeddings.Model = getEnv("EMBEDDING_MODEL", c.Embeddings.Model)
	c.Embeddings.Dim = getEnvInt("EMBEDDING_DIM", c.Embeddings.Dim)
	switch c.Embeddings.Provider {
	case ProviderGemini:
		c.Embeddings.APIKey = getEnv("GEMINI_API_KEY", c.Embeddings.APIKey)
	case ProviderOpenAI:
		c.Embeddings.BaseURL = getEnv("OPENAI_BASE_URL", c.Embeddings.BaseURL)
		c.Embeddings.APIKey = getEnv("OPENAI_API_KEY", c.Embeddings.APIKey)
	}

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Bucket = getEnv("BUCKET_NAME", c.Storage.Bucket)
	c.Storage.Region = getEnv("AWS_REGION", c.Storage.Region)
	c.Storage.AccessKey = getEnv("AWS_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnv("AWS_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Endpoint = getEnv("S3_ENDPOINT", c.Storage.Endpoint)
}

// Validate reports the first out-of-range setting
func (c *Config) Validate() error {
	switch {
	case c.Database.ConnectionString == "":
		return fmt.Errorf("%w: database.connection_string is empty", ErrInvalid)
	case c.Embeddings.Model == "":
		return fmt.Errorf("%w: embeddings.model is empty", ErrInvalid)
	case c.Embeddings.Dim <= 0:
		return fmt.Errorf("%w: embeddings.dim must be positive, got %d", ErrInvalid, c.Embeddings.Dim)
	case c.Processing.MaxChars <= 0 || c.Processing.MinChars < 0:
		return fmt.Errorf("%w: processing.max_chars and min_chars must be positive", ErrInvalid)
	case c.Processing.MinChars > c.Processing.MaxChars:
		return fmt.Errorf("%w: processing.min_chars %d exceeds max_chars %d", ErrInvalid, c.Processing.MinChars, c.Processing.MaxChars)
	case c.Worker.PollInterval <= 0:
		return fmt.Errorf("%w: worker.poll_interval must be positive", ErrInvalid)
	case c.Worker.MaxAttempts < 1:
		return fmt.Errorf("%w: worker.max_attempts must be at least 1", ErrInvalid)
	case math.IsNaN(c.Retrieval.Alpha) || c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1:
		return fmt.Errorf("%w: retrieval.alpha %v outside [0,1]", ErrInvalid, c.Retrieval.Alpha)
	case c.Retrieval.Distance != "cosine" && c.Retrieval.Distance != "l2":
		return fmt.Errorf("%w: retrieval.distance %q", ErrInvalid, c.Retrieval.Distance)
	}

	switch c.Embeddings.Provider {
	case ProviderOllama:
	case ProviderOpenAI, ProviderGemini:
		if c.Embeddings.APIKey == "" {
			return fmt.Errorf("%w: embeddings.api_key required for %s", ErrInvalid, c.Embeddings.Provider)
		}
	default:
		return fmt.Errorf("%w: unknown embeddings.provider %q", ErrInvalid, c.Embeddings.Provider)
	}

	switch c.Storage.Backend {
	case BackendDB:
	case BackendS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("%w: storage.bucket required for s3", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalid, c.Storage.Backend)
	}
	return nil
}

// Save saves configuration to path (DefaultPath when empty)
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// Default returns default configuration
func Default() *Config {
	cfg := &Config{}

	cfg.Database.ConnectionString = "postgres://postgres@localhost/postgres?sslmode=disable"
	cfg.Database.MaxConns = 10
	cfg.Ollama.BaseURL = "http://localhost:11434"
	cfg.Ollama.Timeout = 120 * time.Second
	cfg.Embeddings.Provider = ProviderOllama
	cfg.Embeddings.Model = "qwen3-embedding"
	cfg.Embeddings.Dim = 4096
	cfg.Embeddings.Concurrency = 4
	cfg.Processing.MaxChars = 5000
	cfg.Processing.MinChars = 800
	cfg.Worker.PollInterval = 2 * time.Second
	cfg.Worker.LeaseTimeout = 15 * time.Minute
	cfg.Worker.Concurrency = 1
	cfg.Worker.Priority = 100
	cfg.Worker.MaxAttempts = 3
	cfg.Retrieval.KVec = 10
	cfg.Retrieval.KText = 10
	cfg.Retrieval.Alpha = 0.70
	cfg.Retrieval.UseText = true
	cfg.Retrieval.Distance = "cosine"
	cfg.Storage.Backend = BackendDB
	cfg.Storage.Region = "us-east-2"
	cfg.Storage.Prefix = "docrag"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("environment value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}
