package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for explicit missing config file, got cfg %+v", cfg)
	}

	t.Chdir(t.TempDir())
	cfg, err = Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Cache.Bucket != DefaultBucket {
		t.Errorf("Expected bucket %q, got %q", DefaultBucket, cfg.Cache.Bucket)
	}
	if cfg.Cache.GenParams != "" {
		t.Errorf("Expected empty params, got %q", cfg.Cache.GenParams)
	}
	if cfg.Cache.Concurrency != 1 {
		t.Errorf("Expected concurrency 1, got %d", cfg.Cache.Concurrency)
	}
	if cfg.Backend.Type != BackendGCS {
		t.Errorf("Expected backend %q, got %q", BackendGCS, cfg.Backend.Type)
	}
	if cfg.Telemetry.TracingInsecure {
		t.Error("Expected OTLP exporter to default to TLS")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msacache.yaml")
	content := `
log_level: debug
cache:
  bucket: msa-test
  msa_gen_params: "uniref90:2023"
  concurrency: 0
  keep_archives: true
backend:
  type: reapi
  target: grpc://localhost:8980
  compression: zstd
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %q", cfg.LogLevel)
	}
	if cfg.Cache.Bucket != "msa-test" || cfg.Cache.GenParams != "uniref90:2023" {
		t.Errorf("Unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Cache.Concurrency != 1 {
		t.Errorf("Expected non-positive concurrency to clamp to 1, got %d", cfg.Cache.Concurrency)
	}
	if !cfg.Cache.KeepArchives {
		t.Error("Expected keep_archives to be true")
	}
	if cfg.Backend.Type != BackendREAPI || cfg.Backend.Compression != "zstd" {
		t.Errorf("Unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Cache.PutRetries != 3 {
		t.Errorf("Expected default put_retry_count 3, got %d", cfg.Cache.PutRetries)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MSACACHE_CACHE_BUCKET", "from-env")
	t.Setenv("MSACACHE_BACKEND_TYPE", BackendNull)
	t.Setenv("MSACACHE_BACKEND_LOCAL_TIER_DIR", "/var/cache/msa")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.Bucket != "from-env" {
		t.Errorf("Expected bucket from env, got %q", cfg.Cache.Bucket)
	}
	if cfg.Backend.Type != BackendNull {
		t.Errorf("Expected backend from env, got %q", cfg.Backend.Type)
	}
	if cfg.Backend.LocalTierDir != "/var/cache/msa" {
		t.Errorf("Expected local tier dir from env, got %q", cfg.Backend.LocalTierDir)
	}
}
