// Package config loads RIC's runtime configuration from the environment
// (optionally via a .env file) with an optional YAML overlay, adapted from
// internal/config/loader.go's env-first pattern: explicit os.Getenv reads
// for every knob, parsed with small helpers, with defaults applied only
// after both layers have had a chance to set a value. YAML overlay uses
// gopkg.in/yaml.v3; dotenv loading uses github.com/joho/godotenv, matching
// the teacher's choice of both libraries for this concern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ric/internal/chunk"
	"ric/internal/embed"
	"ric/internal/objectstore"
	"ric/internal/retrieve"
	"ric/internal/store"
)

// Config is the root configuration tree for the service (internal/service).
type Config struct {
	Store     store.Config     `yaml:"store"`
	Embedding embed.HTTPConfig `yaml:"embedding"`
	Chunking  chunk.Options    `yaml:"chunking"`
	Retrieve  retrieve.Options `yaml:"retrieve"`

	EmbedCacheSize int               `yaml:"embed_cache_size"`
	EmbedBatchSize int               `yaml:"embed_batch_size"`
	EmbedRetry     embed.RetryConfig `yaml:"embed_retry"`

	IngestMaxConcurrency int `yaml:"ingest_max_concurrency"`

	// PerSubCallTimeoutMs bounds each individual sub-call a request makes
	// (embed, rerank, a single searcher, an episode-sink emit) independently
	// of the overall request, per spec.md §5/§8's per-sub-call timeout
	// guarantee. Zero disables the bound.
	PerSubCallTimeoutMs int `yaml:"per_sub_call_timeout_ms"`
	// RequestDeadlineMs bounds an entire IngestContent/Search call from the
	// service layer down, per spec.md §5/§6. Zero disables the bound.
	RequestDeadlineMs int `yaml:"request_deadline_ms"`

	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	LogLevel    string           `yaml:"log_level"`
}

// PerSubCallTimeout converts PerSubCallTimeoutMs to a time.Duration.
func (c Config) PerSubCallTimeout() time.Duration {
	return time.Duration(c.PerSubCallTimeoutMs) * time.Millisecond
}

// RequestDeadline converts RequestDeadlineMs to a time.Duration.
func (c Config) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineMs) * time.Millisecond
}

// ObjectStoreConfig selects and configures the raw-blob backend used for
// SourceFile ingests.
type ObjectStoreConfig struct {
	Backend      string `yaml:"backend"` // "memory" | "s3"
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// S3Config converts ObjectStoreConfig into objectstore.S3Config for callers
// that selected the "s3" backend.
func (c ObjectStoreConfig) S3Config() objectstore.S3Config {
	return objectstore.S3Config{
		Bucket:       c.Bucket,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		Prefix:       c.Prefix,
		AccessKey:    c.AccessKey,
		SecretKey:    c.SecretKey,
		UsePathStyle: c.UsePathStyle,
	}
}

// TelemetryConfig configures the OpenTelemetry metrics/trace exporters.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// Load reads configuration from the environment (via .env if present, using
// godotenv.Overload so a repo-local .env deterministically wins, matching
// the teacher's Load()), then overlays an optional YAML file (yamlPath may
// be empty), then applies defaults for anything still unset.
func Load(yamlPath string) (Config, error) {
	_ = godotenv.Overload()

	var cfg Config

	cfg.Store.Backend = strings.TrimSpace(os.Getenv("RIC_STORE_BACKEND"))
	cfg.Store.DSN = firstNonEmpty(os.Getenv("RIC_STORE_DSN"), os.Getenv("DATABASE_URL"))
	cfg.Store.QdrantDSN = strings.TrimSpace(os.Getenv("RIC_QDRANT_DSN"))
	cfg.Store.Collection = strings.TrimSpace(os.Getenv("RIC_QDRANT_COLLECTION"))
	cfg.Store.Metric = strings.TrimSpace(os.Getenv("RIC_VECTOR_METRIC"))
	if v := strings.TrimSpace(os.Getenv("RIC_VECTOR_DIMENSION")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Store.Dimension = n
		}
	}

	cfg.Embedding.BaseURL = strings.TrimSpace(os.Getenv("RIC_EMBED_BASE_URL"))
	cfg.Embedding.Model = strings.TrimSpace(os.Getenv("RIC_EMBED_MODEL"))
	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("RIC_EMBED_API_KEY"))
	if v := strings.TrimSpace(os.Getenv("RIC_EMBED_TIMEOUT_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.Timeout = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_EMBED_CACHE_SIZE")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.EmbedCacheSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_EMBED_BATCH_SIZE")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.EmbedBatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_EMBED_RETRY_MAX_ATTEMPTS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.EmbedRetry.MaxAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_EMBED_RETRY_MAX_ELAPSED_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.EmbedRetry.MaxElapsedTime = time.Duration(n) * time.Second
		}
	}

	if v := strings.TrimSpace(os.Getenv("RIC_CHUNK_SIZE")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Chunking.ChunkSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_CHUNK_OVERLAP")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Chunking.ChunkOverlap = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_MAX_CHUNK_SIZE")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Chunking.MaxChunkSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_CHUNK_PRESERVE_CODE")); v != "" {
		cfg.Chunking.PreserveCode = isTruthy(v)
	}
	if v := strings.TrimSpace(os.Getenv("RIC_MAX_TOKENS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Chunking.MaxTokens = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("RIC_RETRIEVE_K")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Retrieve.K = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_RRF_K")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Retrieve.RRFK = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_RERANK_ENABLED")); v != "" {
		cfg.Retrieve.Rerank = isTruthy(v)
	}
	if v := strings.TrimSpace(os.Getenv("RIC_MAX_MATCH_COUNT")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Retrieve.MaxMatchCount = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("RIC_INGEST_MAX_CONCURRENCY")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.IngestMaxConcurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_PER_SUB_CALL_TIMEOUT_MS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.PerSubCallTimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RIC_REQUEST_DEADLINE_MS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.RequestDeadlineMs = n
		}
	}

	cfg.ObjectStore.Backend = strings.TrimSpace(os.Getenv("RIC_OBJECTSTORE_BACKEND"))
	cfg.ObjectStore.Bucket = strings.TrimSpace(os.Getenv("RIC_OBJECTSTORE_BUCKET"))
	cfg.ObjectStore.Region = strings.TrimSpace(os.Getenv("RIC_OBJECTSTORE_REGION"))
	cfg.ObjectStore.Endpoint = strings.TrimSpace(os.Getenv("RIC_OBJECTSTORE_ENDPOINT"))
	cfg.ObjectStore.Prefix = strings.TrimSpace(os.Getenv("RIC_OBJECTSTORE_PREFIX"))
	cfg.ObjectStore.AccessKey = strings.TrimSpace(os.Getenv("RIC_OBJECTSTORE_ACCESS_KEY"))
	cfg.ObjectStore.SecretKey = strings.TrimSpace(os.Getenv("RIC_OBJECTSTORE_SECRET_KEY"))
	if v := strings.TrimSpace(os.Getenv("RIC_OBJECTSTORE_USE_PATH_STYLE")); v != "" {
		cfg.ObjectStore.UsePathStyle = isTruthy(v)
	}

	cfg.Telemetry.ServiceName = firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "ric")
	cfg.Telemetry.ServiceVersion = strings.TrimSpace(os.Getenv("SERVICE_VERSION"))
	cfg.Telemetry.Environment = strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	cfg.Telemetry.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		cfg.Telemetry.Insecure = isTruthy(v)
	}

	cfg.LogLevel = strings.TrimSpace(os.Getenv("RIC_LOG_LEVEL"))

	if yamlPath != "" {
		if err := overlayYAML(&cfg, yamlPath); err != nil {
			return Config{}, fmt.Errorf("config: yaml overlay %s: %w", yamlPath, err)
		}
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// overlayYAML merges file values over cfg wherever the file sets them;
// fields the file omits keep whatever the environment already set, since
// yaml.Unmarshal only assigns keys present in the document.
func overlayYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Dimension == 0 {
		cfg.Store.Dimension = 1536
	}
	if cfg.Store.Metric == "" {
		cfg.Store.Metric = "cosine"
	}
	if cfg.Store.Collection == "" {
		cfg.Store.Collection = "ric_chunks"
	}

	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.EmbedCacheSize == 0 {
		cfg.EmbedCacheSize = 4096
	}
	if cfg.EmbedBatchSize == 0 {
		cfg.EmbedBatchSize = 64
	}

	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = 800
	}
	if cfg.Chunking.ChunkOverlap == 0 {
		cfg.Chunking.ChunkOverlap = 100
	}
	if cfg.Chunking.MaxChunkSize == 0 {
		cfg.Chunking.MaxChunkSize = 2000
	}

	if cfg.Retrieve.K == 0 {
		cfg.Retrieve.K = 10
	}
	if cfg.Retrieve.RRFK == 0 {
		cfg.Retrieve.RRFK = 60
	}
	if cfg.Retrieve.MaxMatchCount == 0 {
		cfg.Retrieve.MaxMatchCount = 50
	}

	if cfg.IngestMaxConcurrency == 0 {
		cfg.IngestMaxConcurrency = 4
	}
	if cfg.PerSubCallTimeoutMs == 0 {
		cfg.PerSubCallTimeoutMs = 15_000
	}
	if cfg.RequestDeadlineMs == 0 {
		cfg.RequestDeadlineMs = 60_000
	}

	if cfg.ObjectStore.Backend == "" {
		cfg.ObjectStore.Backend = "memory"
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func isTruthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
