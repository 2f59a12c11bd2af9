package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultsApplyWhenEnvUnset(t *testing.T) {
	os.Unsetenv("RIC_STORE_BACKEND")
	os.Unsetenv("RIC_VECTOR_DIMENSION")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("expected default backend memory, got %q", cfg.Store.Backend)
	}
	if cfg.Store.Dimension != 1536 {
		t.Fatalf("expected default dimension 1536, got %d", cfg.Store.Dimension)
	}
	if cfg.Chunking.ChunkSize != 800 {
		t.Fatalf("expected default chunk size 800, got %d", cfg.Chunking.ChunkSize)
	}
	if cfg.Retrieve.RRFK != 60 {
		t.Fatalf("expected default RRFK 60, got %d", cfg.Retrieve.RRFK)
	}
	if cfg.Retrieve.MaxMatchCount != 50 {
		t.Fatalf("expected default MaxMatchCount 50, got %d", cfg.Retrieve.MaxMatchCount)
	}
	if cfg.PerSubCallTimeoutMs != 15_000 {
		t.Fatalf("expected default per-sub-call timeout 15000ms, got %d", cfg.PerSubCallTimeoutMs)
	}
	if cfg.RequestDeadlineMs != 60_000 {
		t.Fatalf("expected default request deadline 60000ms, got %d", cfg.RequestDeadlineMs)
	}
}

func TestLoad_TimeoutEnvOverridesDefaults(t *testing.T) {
	os.Setenv("RIC_PER_SUB_CALL_TIMEOUT_MS", "5000")
	os.Setenv("RIC_REQUEST_DEADLINE_MS", "20000")
	os.Setenv("RIC_MAX_TOKENS", "256")
	os.Setenv("RIC_MAX_MATCH_COUNT", "25")
	defer os.Unsetenv("RIC_PER_SUB_CALL_TIMEOUT_MS")
	defer os.Unsetenv("RIC_REQUEST_DEADLINE_MS")
	defer os.Unsetenv("RIC_MAX_TOKENS")
	defer os.Unsetenv("RIC_MAX_MATCH_COUNT")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PerSubCallTimeoutMs != 5000 {
		t.Fatalf("expected per-sub-call timeout override 5000, got %d", cfg.PerSubCallTimeoutMs)
	}
	if cfg.RequestDeadlineMs != 20000 {
		t.Fatalf("expected request deadline override 20000, got %d", cfg.RequestDeadlineMs)
	}
	if cfg.Chunking.MaxTokens != 256 {
		t.Fatalf("expected chunking max tokens override 256, got %d", cfg.Chunking.MaxTokens)
	}
	if cfg.Retrieve.MaxMatchCount != 25 {
		t.Fatalf("expected max match count override 25, got %d", cfg.Retrieve.MaxMatchCount)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	os.Setenv("RIC_STORE_BACKEND", "postgres")
	os.Setenv("RIC_VECTOR_DIMENSION", "768")
	defer os.Unsetenv("RIC_STORE_BACKEND")
	defer os.Unsetenv("RIC_VECTOR_DIMENSION")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "postgres" {
		t.Fatalf("expected env override postgres, got %q", cfg.Store.Backend)
	}
	if cfg.Store.Dimension != 768 {
		t.Fatalf("expected env override 768, got %d", cfg.Store.Dimension)
	}
}

func TestLoad_MissingYAMLOverlayKeepsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load should tolerate a missing yaml overlay path, got: %v", err)
	}
	if cfg.Store.Backend == "" {
		t.Fatalf("expected defaults to still apply when overlay file is absent")
	}
}

func TestLoad_YAMLOverlayOverridesField(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ric.yaml"
	if err := os.WriteFile(path, []byte("chunking:\n  chunksize: 500\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	os.Unsetenv("RIC_CHUNK_SIZE")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chunking.ChunkSize != 500 {
		t.Fatalf("expected yaml overlay to set chunk size to 500, got %d", cfg.Chunking.ChunkSize)
	}
}
