// Package config manages SafeOps configuration: a JSON file under ~/.safeops
// overlaid with SAFEOPS_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	ConfigDirName   = ".safeops"
	ConfigFileName  = "config.json"
	DefaultLogLevel = "info"
)

// Config holds process-wide settings. Every field can be overridden from the
// environment.
type Config struct {
	DataDir  string `json:"data_dir" env:"SAFEOPS_DATA_DIR"`
	LogLevel string `json:"log_level" env:"SAFEOPS_LOG_LEVEL"`

	// ReadOnly blocks every mutating provider call. Secure by default.
	ReadOnly bool `json:"read_only" env:"SAFEOPS_READ_ONLY"`

	// EncryptionKey is a hex-encoded 256-bit vault key. When empty the key is
	// derived from the operator passphrase.
	EncryptionKey string `json:"-" env:"SAFEOPS_ENCRYPTION_KEY"`

	ProviderTimeoutSeconds int `json:"provider_timeout_seconds" env:"SAFEOPS_PROVIDER_TIMEOUT_SECONDS"`

	AWS AWSConfig `json:"aws"`
	GCP GCPConfig `json:"gcp"`
	LLM LLMConfig `json:"llm"`
}

// AWSConfig holds AWS adapter defaults.
type AWSConfig struct {
	Region   string `json:"region" env:"SAFEOPS_AWS_REGION"`
	LogGroup string `json:"log_group" env:"SAFEOPS_AWS_LOG_GROUP"`
}

// GCPConfig holds GCP adapter defaults.
type GCPConfig struct {
	ProjectID    string `json:"project_id" env:"SAFEOPS_GCP_PROJECT"`
	Region       string `json:"region" env:"SAFEOPS_GCP_REGION"`
	Zone         string `json:"zone" env:"SAFEOPS_GCP_ZONE"`
	ClientID     string `json:"client_id" env:"SAFEOPS_GOOGLE_CLIENT_ID"`
	ClientSecret string `json:"-" env:"SAFEOPS_GOOGLE_CLIENT_SECRET"`
}

// LLMConfig points the intent classifier at an OpenAI-compatible endpoint.
// An empty Endpoint disables the LLM and uses the rule-based classifier only.
type LLMConfig struct {
	Endpoint       string `json:"endpoint" env:"SAFEOPS_LLM_ENDPOINT"`
	Model          string `json:"model" env:"SAFEOPS_LLM_MODEL"`
	APIKey         string `json:"-" env:"SAFEOPS_LLM_API_KEY"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"SAFEOPS_LLM_TIMEOUT_SECONDS"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		DataDir:                filepath.Join(Dir(), "data"),
		LogLevel:               DefaultLogLevel,
		ReadOnly:               true,
		ProviderTimeoutSeconds: 30,
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		GCP: GCPConfig{
			Region: "us-central1",
			Zone:   "us-central1-a",
		},
		LLM: LLMConfig{
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 20,
		},
	}
}

// ProviderTimeout is the bound applied to each outbound provider call.
func (c Config) ProviderTimeout() time.Duration {
	if c.ProviderTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// Timeout is the bound applied to each classifier call.
func (l LLMConfig) Timeout() time.Duration {
	if l.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// Dir returns the global SafeOps config directory path.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// Load reads ~/.safeops/config.json (if present) and applies the environment.
func Load() (Config, error) {
	return LoadFile(filepath.Join(Dir(), ConfigFileName))
}

// LoadFile reads the config at path (if present) and applies the environment.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Save persists cfg to ~/.safeops/config.json. Secret fields are never written.
func Save(cfg Config) error {
	dir := Dir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600)
}
