package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Addr != ":8090" || cfg.Build.MinOrder != 3 || cfg.Build.DefaultOrder != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Build.MaxScratchPixels != 50331648 {
		t.Fatalf("scratch bound: %d", cfg.Build.MaxScratchPixels)
	}
	if diff := cmp.Diff([]string{"localhost:9092"}, cfg.Kafka.Brokers); diff != "" {
		t.Fatalf("brokers (-want +got):\n%s", diff)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("MOC_MIN_ORDER", "12")
	t.Setenv("MOC_DEFAULT_ORDER", "8")
	t.Setenv("MOC_TTL", "90s")
	t.Setenv("REDIS_ENABLED", "no")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("BUILD_MAX_CONCURRENT", "not-a-number")

	cfg := FromEnv()
	if cfg.Build.MinOrder != 8 || cfg.Build.DefaultOrder != 8 {
		t.Fatalf("min order must be clamped to default order: %+v", cfg.Build)
	}
	if cfg.Redis.MocTTL != 90*time.Second || cfg.Redis.Enabled {
		t.Fatalf("redis: %+v", cfg.Redis)
	}
	if cfg.Build.MaxConcurrent != 2 {
		t.Fatalf("invalid int should fall back: %d", cfg.Build.MaxConcurrent)
	}
	if diff := cmp.Diff([]string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers); diff != "" {
		t.Fatalf("brokers (-want +got):\n%s", diff)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MOCGEN_TEST_DOTENV=from-file\nADDR=:7000\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ADDR", ":9999")
	t.Cleanup(func() { _ = os.Unsetenv("MOCGEN_TEST_DOTENV") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("MOCGEN_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("dotenv value not loaded: %q", got)
	}
	if got := FromEnv().Addr; got != ":9999" {
		t.Fatalf("existing env must win, got %q", got)
	}
}
