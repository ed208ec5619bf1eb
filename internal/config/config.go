// Package config loads the environment- and file-based configuration
// described in the external interfaces section: required/optional
// environment variables, an optional credentials.toml, and the derived
// per-scan settings the rest of the module reads from a single place.
//
// Grounded on the teacher's internal/config (TOML-based settings struct
// with env-var fallback accessors), generalised from a generic agent
// config to the specific Strix environment contract.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ScanMode selects prompt-module depth and iteration discipline.
type ScanMode string

const (
	ScanQuick    ScanMode = "quick"
	ScanStandard ScanMode = "standard"
	ScanDeep     ScanMode = "deep"
)

// ParseScanMode validates a CLI-supplied scan mode string.
func ParseScanMode(s string) (ScanMode, error) {
	switch ScanMode(s) {
	case ScanQuick, ScanStandard, ScanDeep:
		return ScanMode(s), nil
	case "":
		return ScanStandard, nil
	default:
		return "", fmt.Errorf("invalid scan mode %q: want quick, standard, or deep", s)
	}
}

// CredentialsFile mirrors a small subset of fields a user may place at
// ~/.config/strix/credentials.toml, checked before environment
// variables per the external interfaces section.
type CredentialsFile struct {
	LLMAPIKey        string `toml:"llm_api_key"`
	PerplexityAPIKey string `toml:"perplexity_api_key"`
}

// Config is the fully resolved runtime configuration for one invocation
// of the `strix` scan CLI (`strix-replay` does not use it).
type Config struct {
	// Required
	Model     string // STRIX_LLM
	LLMAPIKey string // LLM_API_KEY, file-priority over env

	// Optional, with defaults applied in Load
	LLMAPIBase            string
	LLMTimeout            time.Duration
	LLMRateLimitDelay      time.Duration
	LLMRateLimitConcurrent int
	PerplexityAPIKey       string
	DisableBrowser         bool
	Image                  string
	SandboxMode            bool
	SandboxExecutionTimeout time.Duration
	DockerHost             string
}

// envInt parses an optional integer environment variable, returning def
// if unset or unparseable.
func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSeconds(name string, defSeconds int) time.Duration {
	return time.Duration(envInt(name, defSeconds)) * time.Second
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true" || v == "TRUE" || v == "True"
}

// loadCredentialsFile reads ~/.config/strix/credentials.toml if present;
// a missing file is not an error, since environment variables are an
// equally valid source.
func loadCredentialsFile() (*CredentialsFile, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	path := filepath.Join(home, ".config", "strix", "credentials.toml")
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	var cf CredentialsFile
	if _, err := toml.DecodeFile(path, &cf); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	return &cf, nil
}

// Load resolves Config from the credentials file (checked first) and
// environment variables (fallback), applying the defaults named in the
// external interfaces section. It does not validate required fields;
// call Validate for that, so callers can distinguish "not loaded" from
// "loaded but environment isn't ready" (exit code 3 vs. a startup bug).
func Load() (*Config, error) {
	cf, err := loadCredentialsFile()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Model:                   os.Getenv("STRIX_LLM"),
		LLMAPIBase:              os.Getenv("LLM_API_BASE"),
		LLMTimeout:              envDurationSeconds("LLM_TIMEOUT", 300),
		LLMRateLimitDelay:       envDurationSeconds("LLM_RATE_LIMIT_DELAY", 0),
		LLMRateLimitConcurrent:  envInt("LLM_RATE_LIMIT_CONCURRENT", 4),
		DisableBrowser:          envBool("STRIX_DISABLE_BROWSER"),
		Image:                   os.Getenv("STRIX_IMAGE"),
		SandboxMode:             envBool("STRIX_SANDBOX_MODE"),
		SandboxExecutionTimeout: envDurationSeconds("STRIX_SANDBOX_EXECUTION_TIMEOUT", 500),
		DockerHost:              os.Getenv("DOCKER_HOST"),
	}

	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.PerplexityAPIKey = os.Getenv("PERPLEXITY_API_KEY")
	if cf != nil {
		if cf.LLMAPIKey != "" {
			cfg.LLMAPIKey = cf.LLMAPIKey
		}
		if cf.PerplexityAPIKey != "" {
			cfg.PerplexityAPIKey = cf.PerplexityAPIKey
		}
	}

	return cfg, nil
}

// Validate checks that the environment is ready to run a scan,
// matching CLI exit code 3 ("environment not ready").
func (c *Config) Validate() error {
	var missing []string
	if c.Model == "" {
		missing = append(missing, "STRIX_LLM")
	}
	if c.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY (or credentials.toml llm_api_key)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	return nil
}
