package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/finance-tracker/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("RECURRING_TEMPLATE_TIMEOUT", "")
	t.Setenv("RECURRING_RUN_TIMEOUT", "")

	cfg := config.Load()

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.StoreBackend != config.BackendPostgres {
		t.Errorf("expected postgres backend, got %s", cfg.StoreBackend)
	}
	if cfg.TemplateTimeout != 5*time.Second {
		t.Errorf("expected 5s template timeout, got %s", cfg.TemplateTimeout)
	}
	if cfg.RunTimeout != 30*time.Second {
		t.Errorf("expected 30s run timeout, got %s", cfg.RunTimeout)
	}
	if !cfg.RunMigrations {
		t.Error("expected migrations on by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("GROUP_CACHE_TTL", "30s")
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg := config.Load()

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.StoreBackend != config.BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.StoreBackend)
	}
	if cfg.RunMigrations {
		t.Error("expected migrations disabled")
	}
	if cfg.GroupCacheTTL != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.GroupCacheTTL)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("expected fallback of 2 retries for invalid input, got %d", cfg.MaxRetries)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nFT_TEST_NEW=from-file\nFT_TEST_EXISTING=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("FT_TEST_EXISTING", "from-env")
	t.Setenv("FT_TEST_NEW", "")
	os.Unsetenv("FT_TEST_NEW")

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := os.Getenv("FT_TEST_NEW"); got != "from-file" {
		t.Errorf("expected from-file, got %q", got)
	}
	if got := os.Getenv("FT_TEST_EXISTING"); got != "from-env" {
		t.Errorf("expected env to win, got %q", got)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	if err := config.LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
