package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadDefaults verifies built-in defaults when no file exists.
func TestLoadDefaults(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "config.yaml"))

	cfg, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host != "127.0.0.1" || cfg.Port != 8080 {
		t.Errorf("listen defaults = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Upstream != "https://api.openai.com" {
		t.Errorf("upstream default = %q", cfg.Upstream)
	}
	if cfg.CacheDir != ".inference_cache" {
		t.Errorf("cache_dir default = %q", cfg.CacheDir)
	}
	if cfg.TestModel != "gpt-4o-mini" {
		t.Errorf("test_model default = %q", cfg.TestModel)
	}
	if cfg.Verbose {
		t.Error("verbose default must be false")
	}
}

// TestLoadFromFile verifies file values override defaults.
func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "host: 0.0.0.0\nport: 9999\nupstream: http://localhost:1234\ncache_dir: /tmp/gate-cache\nverbose: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host != "0.0.0.0" || cfg.Port != 9999 {
		t.Errorf("listen = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Upstream != "http://localhost:1234" {
		t.Errorf("upstream = %q", cfg.Upstream)
	}
	if !cfg.Verbose {
		t.Error("verbose not read from file")
	}
	// Unset keys keep defaults.
	if cfg.TestModel != "gpt-4o-mini" {
		t.Errorf("test_model = %q", cfg.TestModel)
	}
}

// TestEnvAPIKeyWinsOverFile verifies OPENAI_API_KEY beats the file value.
func TestEnvAPIKeyWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api_key: sk-from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-from-env" {
		t.Fatalf("api_key = %q, want env value", cfg.APIKey)
	}
}

// TestFileAPIKeyUsedWithoutEnv verifies the file value applies when the env
// var is unset.
func TestFileAPIKeyUsedWithoutEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api_key: sk-from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENAI_API_KEY", "")
	os.Unsetenv("OPENAI_API_KEY")

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-from-file" {
		t.Fatalf("api_key = %q, want file value", cfg.APIKey)
	}
}

// TestSaveNeverPersistsAPIKey verifies the API key is excluded from the
// written file.
func TestSaveNeverPersistsAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	mgr := NewManager(path)

	cfg := Default()
	cfg.APIKey = "sk-secret-do-not-write"

	if err := mgr.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-secret-do-not-write") || strings.Contains(string(data), "api_key") {
		t.Fatalf("api key leaked into config file:\n%s", data)
	}

	// The saved file round-trips.
	loaded, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if loaded.Host != cfg.Host || loaded.Port != cfg.Port {
		t.Errorf("round-trip mismatch: %+v", loaded)
	}
}

// TestCreateDefault verifies config init semantics.
func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	mgr := NewManager(path)

	if mgr.Exists() {
		t.Fatal("file must not exist yet")
	}
	if _, err := mgr.CreateDefault(); err != nil {
		t.Fatalf("CreateDefault: %v", err)
	}
	if !mgr.Exists() {
		t.Fatal("file must exist after CreateDefault")
	}
}

// TestValidate verifies semantic constraint checks.
func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 99999\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

// TestMaskedAPIKey verifies display masking.
func TestMaskedAPIKey(t *testing.T) {
	c := &Config{}
	if got := c.MaskedAPIKey(); got != "(not set)" {
		t.Errorf("empty key = %q", got)
	}

	c.APIKey = "sk-verylongsecretkey1234"
	if got := c.MaskedAPIKey(); got != "***1234" {
		t.Errorf("masked = %q", got)
	}
	if strings.Contains(c.MaskedAPIKey(), "secret") {
		t.Error("mask leaked key material")
	}
}
