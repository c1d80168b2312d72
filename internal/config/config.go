// Package config provides configuration loading and validation for the server,
// the worker and the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Queue modes
const (
	QueueLocal = "local"
	QueueRedis = "redis"
)

// Storage backends
const (
	StorageLocal = "local"
	StorageMinIO = "minio"
)

// Config is the application configuration. It is read from a JSON or YAML file
// and then overridden from the environment.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Port int `json:"port,omitempty" yaml:"port,omitempty"`
	// ChromePath overrides the browser used for PDF export
	ChromePath string `json:"chrome_path,omitempty" yaml:"chrome_path,omitempty"`
}

// DatabaseConfig selects the step ledger backend
type DatabaseConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
}

// WorkspaceConfig locates project directories
type WorkspaceConfig struct {
	Root string `json:"root,omitempty" yaml:"root,omitempty"`
	// PDFTextCommand converts a PDF to text on stdout, e.g. "pdftotext -layout {input} -"
	PDFTextCommand string `json:"pdf_text_command,omitempty" yaml:"pdf_text_command,omitempty"`
}

// LLMConfig selects the model backend
type LLMConfig struct {
	APIKey      string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	FastMode    bool              `json:"fast_mode,omitempty" yaml:"fast_mode,omitempty"`
	Models      map[string]string `json:"models,omitempty" yaml:"models,omitempty"`
	Temperature float32           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Offline reports whether deterministic offline drafting should be used
func (c LLMConfig) Offline() bool {
	return c.FastMode || c.APIKey == ""
}

// ExecutionConfig bounds background step runs
type ExecutionConfig struct {
	StepTimeoutMinutes int `json:"step_timeout_minutes,omitempty" yaml:"step_timeout_minutes,omitempty"`
	ContentConcurrency int `json:"content_concurrency,omitempty" yaml:"content_concurrency,omitempty"`
}

// StepTimeout returns the configured timeout as a duration
func (c ExecutionConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMinutes) * time.Minute
}

// QueueConfig selects where background jobs run
type QueueConfig struct {
	Mode          string `json:"mode,omitempty" yaml:"mode,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	Concurrency   int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// StorageConfig selects where exported documents are published
type StorageConfig struct {
	Backend string      `json:"backend,omitempty" yaml:"backend,omitempty"`
	Root    string      `json:"root,omitempty" yaml:"root,omitempty"`
	BaseURL string      `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MinIO   MinIOConfig `json:"minio" yaml:"minio"`
}

// MinIOConfig holds the S3-compatible endpoint settings
type MinIOConfig struct {
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKey      string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey      string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	Bucket         string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	UseSSL         bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`
	URLExpiryHours int    `json:"url_expiry_hours,omitempty" yaml:"url_expiry_hours,omitempty"`
}

// URLExpiry is the lifetime of presigned download URLs
func (c MinIOConfig) URLExpiry() time.Duration {
	if c.URLExpiryHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.URLExpiryHours) * time.Hour
}

// AuthConfig enables bearer-token auth when JWTSecret is set
type AuthConfig struct {
	JWTSecret          string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	JWTExpirationHours int    `json:"jwt_expiration_hours,omitempty" yaml:"jwt_expiration_hours,omitempty"`
	Username           string `json:"username,omitempty" yaml:"username,omitempty"`
	PasswordHash       string `json:"password_hash,omitempty" yaml:"password_hash,omitempty"`
	BcryptCost         int    `json:"bcrypt_cost,omitempty" yaml:"bcrypt_cost,omitempty"`
	Pepper             string `json:"pepper,omitempty" yaml:"pepper,omitempty"`
}

// Enabled reports whether routes require a bearer token
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// RateLimitConfig configures the token-bucket limiter
type RateLimitConfig struct {
	Disabled      bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	DefaultLimit  int      `json:"default_limit,omitempty" yaml:"default_limit,omitempty"`
	DefaultWindow string   `json:"default_window,omitempty" yaml:"default_window,omitempty"`
	Whitelist     []string `json:"whitelist,omitempty" yaml:"whitelist,omitempty"`
	Blacklist     []string `json:"blacklist,omitempty" yaml:"blacklist,omitempty"`
}

// Window parses DefaultWindow, falling back to one minute
func (c RateLimitConfig) Window() time.Duration {
	if d, err := time.ParseDuration(c.DefaultWindow); err == nil && d > 0 {
		return d
	}
	return time.Minute
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Database:  DatabaseConfig{Driver: DriverSQLite, URL: "data/bid_assistant.db"},
		Workspace: WorkspaceConfig{Root: "projects"},
		LLM:       LLMConfig{Temperature: 0.2},
		Execution: ExecutionConfig{StepTimeoutMinutes: 10, ContentConcurrency: 4},
		Queue:     QueueConfig{Mode: QueueLocal, RedisAddr: "127.0.0.1:6379", Concurrency: 4},
		Storage: StorageConfig{
			Backend: StorageLocal,
			Root:    "data/exports",
			BaseURL: "/files",
			MinIO:   MinIOConfig{URLExpiryHours: 72},
		},
		Auth: AuthConfig{
			JWTExpirationHours: 24,
			Username:           "admin",
			BcryptCost:         12,
		},
		RateLimit: RateLimitConfig{DefaultLimit: 1000, DefaultWindow: "1m"},
	}
}

// LoadConfig reads a configuration file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as JSON. Unset values stay zero; see Load for defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return &cfg, nil
}

// Load builds the effective configuration: defaults, then the optional file, then
// the process environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg.MergeWithDefaults(cfg)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration has usable values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config error: 'server.port' must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.URL == "" {
			return fmt.Errorf("config error: 'database.url' is required for sqlite (file path)")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("config error: 'database.url' is required for postgres")
		}
	default:
		return fmt.Errorf("config error: unsupported 'database.driver' %q", c.Database.Driver)
	}

	if c.Workspace.Root == "" {
		return fmt.Errorf("config error: 'workspace.root' is required")
	}
	if c.Execution.StepTimeoutMinutes < 0 || c.Execution.ContentConcurrency < 0 {
		return fmt.Errorf("config error: 'execution' values must be non-negative")
	}

	switch c.Queue.Mode {
	case QueueLocal:
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("config error: 'queue.redis_addr' is required when queue.mode is redis")
		}
	default:
		return fmt.Errorf("config error: unsupported 'queue.mode' %q", c.Queue.Mode)
	}

	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.Root == "" {
			return fmt.Errorf("config error: 'storage.root' is required for local storage")
		}
	case StorageMinIO:
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("config error: 'storage.minio.endpoint' and 'storage.minio.bucket' are required for minio")
		}
	default:
		return fmt.Errorf("config error: unsupported 'storage.backend' %q", c.Storage.Backend)
	}

	if c.Auth.Enabled() {
		if c.Auth.Username == "" || c.Auth.PasswordHash == "" {
			return fmt.Errorf("config error: 'auth.username' and 'auth.password_hash' are required when auth is enabled")
		}
		if _, err := c.Auth.JWTConfig(); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		if _, err := c.Auth.PasswordConfig(); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
	}

	if c.RateLimit.DefaultLimit < 0 {
		return fmt.Errorf("config error: 'rate_limit.default_limit' must be non-negative")
	}
	if c.RateLimit.DefaultWindow != "" {
		if _, err := time.ParseDuration(c.RateLimit.DefaultWindow); err != nil {
			return fmt.Errorf("config error: invalid 'rate_limit.default_window': %w", err)
		}
	}
	return nil
}

// MergeWithDefaults returns a new Config with zero fields filled from defaults.
// Booleans cannot distinguish unset from false and are taken from c as is.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	mergeInt(&result.Server.Port, defaults.Server.Port)
	mergeString(&result.Server.ChromePath, defaults.Server.ChromePath)

	mergeString(&result.Database.Driver, defaults.Database.Driver)
	mergeString(&result.Database.URL, defaults.Database.URL)

	mergeString(&result.Workspace.Root, defaults.Workspace.Root)
	mergeString(&result.Workspace.PDFTextCommand, defaults.Workspace.PDFTextCommand)

	mergeString(&result.LLM.APIKey, defaults.LLM.APIKey)
	if len(result.LLM.Models) == 0 {
		result.LLM.Models = defaults.LLM.Models
	}
	if result.LLM.Temperature == 0 {
		result.LLM.Temperature = defaults.LLM.Temperature
	}

	mergeInt(&result.Execution.StepTimeoutMinutes, defaults.Execution.StepTimeoutMinutes)
	mergeInt(&result.Execution.ContentConcurrency, defaults.Execution.ContentConcurrency)

	mergeString(&result.Queue.Mode, defaults.Queue.Mode)
	mergeString(&result.Queue.RedisAddr, defaults.Queue.RedisAddr)
	mergeString(&result.Queue.RedisPassword, defaults.Queue.RedisPassword)
	mergeInt(&result.Queue.RedisDB, defaults.Queue.RedisDB)
	mergeInt(&result.Queue.Concurrency, defaults.Queue.Concurrency)

	mergeString(&result.Storage.Backend, defaults.Storage.Backend)
	mergeString(&result.Storage.Root, defaults.Storage.Root)
	mergeString(&result.Storage.BaseURL, defaults.Storage.BaseURL)
	mergeString(&result.Storage.MinIO.Endpoint, defaults.Storage.MinIO.Endpoint)
	mergeString(&result.Storage.MinIO.AccessKey, defaults.Storage.MinIO.AccessKey)
	mergeString(&result.Storage.MinIO.SecretKey, defaults.Storage.MinIO.SecretKey)
	mergeString(&result.Storage.MinIO.Bucket, defaults.Storage.MinIO.Bucket)
	mergeInt(&result.Storage.MinIO.URLExpiryHours, defaults.Storage.MinIO.URLExpiryHours)

	mergeString(&result.Auth.JWTSecret, defaults.Auth.JWTSecret)
	mergeInt(&result.Auth.JWTExpirationHours, defaults.Auth.JWTExpirationHours)
	mergeString(&result.Auth.Username, defaults.Auth.Username)
	mergeString(&result.Auth.PasswordHash, defaults.Auth.PasswordHash)
	mergeInt(&result.Auth.BcryptCost, defaults.Auth.BcryptCost)
	mergeString(&result.Auth.Pepper, defaults.Auth.Pepper)

	mergeInt(&result.RateLimit.DefaultLimit, defaults.RateLimit.DefaultLimit)
	mergeString(&result.RateLimit.DefaultWindow, defaults.RateLimit.DefaultWindow)
	if result.RateLimit.Whitelist == nil {
		result.RateLimit.Whitelist = defaults.RateLimit.Whitelist
	}
	if result.RateLimit.Blacklist == nil {
		result.RateLimit.Blacklist = defaults.RateLimit.Blacklist
	}

	return result
}

func mergeString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func mergeInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
