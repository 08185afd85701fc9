// Package config loads and persists the gate's runtime configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML config file,
// environment variables, CLI flags (applied by the cmd layer). The default
// config file lives at $HOME/.InferenceGate/config.yaml.
//
// OPENAI_API_KEY always wins over an api_key value in the file, and the API
// key is never written back to disk.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDir  = ".InferenceGate"
	defaultConfigFile = "config.yaml"

	// DefaultTestPrompt asks the model for a fixed reply so the test
	// commands can verify the round-trip mechanically.
	DefaultTestPrompt = `This is a test prompt. Reply with **ONLY** "OK." to confirm that everything is ok. DO NOT output anything else.`
)

// Config holds all configurable options. The yaml tags define the on-disk
// file shape; APIKey is deliberately excluded from persistence.
type Config struct {
	// Host and Port configure the proxy listener address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Upstream is the OpenAI-compatible API base URL.
	Upstream string `yaml:"upstream"`

	// APIKey authenticates the gate to the upstream. Sourced from
	// OPENAI_API_KEY or the config file; never persisted.
	APIKey string `yaml:"-"`

	// CacheDir is the root of the on-disk recording store.
	CacheDir string `yaml:"cache_dir"`

	// Verbose enables DEBUG logging.
	Verbose bool `yaml:"verbose"`

	// TestModel and TestPrompt drive the test-gate / test-upstream commands.
	TestModel  string `yaml:"test_model"`
	TestPrompt string `yaml:"test_prompt"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:       "127.0.0.1",
		Port:       8080,
		Upstream:   "https://api.openai.com",
		CacheDir:   ".inference_cache",
		TestModel:  "gpt-4o-mini",
		TestPrompt: DefaultTestPrompt,
	}
}

// DefaultPath returns $HOME/.InferenceGate/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, defaultConfigDir, defaultConfigFile)
}

// Manager loads and saves configuration at a fixed file path.
type Manager struct {
	path string
}

// NewManager creates a manager for the given config file path, or the
// default path when empty.
func NewManager(path string) *Manager {
	if path == "" {
		path = DefaultPath()
	}
	return &Manager{path: path}
}

// Path returns the config file path.
func (m *Manager) Path() string { return m.path }

// Exists reports whether the config file is present.
func (m *Manager) Exists() bool {
	info, err := os.Stat(m.path)
	return err == nil && !info.IsDir()
}

// Load reads the config file (when present), applies environment overrides,
// and returns the effective configuration.
func (m *Manager) Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	def := Default()

	v := viper.New()
	v.SetConfigFile(m.path)
	v.SetConfigType("yaml")

	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("upstream", def.Upstream)
	v.SetDefault("cache_dir", def.CacheDir)
	v.SetDefault("verbose", def.Verbose)
	v.SetDefault("test_model", def.TestModel)
	v.SetDefault("test_prompt", def.TestPrompt)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", m.path, err)
		}
	}

	// Environment beats the file for the API key.
	_ = v.BindEnv("api_key", "OPENAI_API_KEY")

	cfg := &Config{
		Host:       v.GetString("host"),
		Port:       v.GetInt("port"),
		Upstream:   v.GetString("upstream"),
		APIKey:     v.GetString("api_key"),
		CacheDir:   v.GetString("cache_dir"),
		Verbose:    v.GetBool("verbose"),
		TestModel:  v.GetString("test_model"),
		TestPrompt: v.GetString("test_prompt"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the YAML file, creating parent
// directories as needed. The API key is never written.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", m.path, err)
	}
	return nil
}

// CreateDefault writes (and returns) the default configuration file.
func (m *Manager) CreateDefault() (*Config, error) {
	cfg := Default()
	if err := m.Save(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port must be in 1..65535, got %d", c.Port)
	}
	if c.Upstream == "" {
		return fmt.Errorf("config: upstream must not be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("config: cache_dir must not be empty")
	}
	return nil
}

// MaskedAPIKey returns the key with all but the last four characters hidden,
// "****" for a key of four characters or fewer, or "(not set)".
func (c *Config) MaskedAPIKey() string {
	if c.APIKey == "" {
		return "(not set)"
	}
	if len(c.APIKey) <= 4 {
		return "****"
	}
	return "***" + c.APIKey[len(c.APIKey)-4:]
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
