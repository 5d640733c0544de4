package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig              `mapstructure:"server" yaml:"server"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox" yaml:"sandbox"`
	Logging   LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Languages map[string]LanguageConfig `mapstructure:"languages" yaml:"languages"`
	Templates TemplatesConfig           `mapstructure:"templates" yaml:"templates"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
	MaxBodyKB int    `mapstructure:"max_body_kb" yaml:"max_body_kb"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend" yaml:"backend"`
	TimeoutSec         int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	MaxTimeoutSec      int    `mapstructure:"max_timeout_sec" yaml:"max_timeout_sec"`
	MemoryMB           int    `mapstructure:"memory_mb" yaml:"memory_mb"`
	PidsLimit          int    `mapstructure:"pids_limit" yaml:"pids_limit"`
	NetworkEnabled     bool   `mapstructure:"network_enabled" yaml:"network_enabled"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend" yaml:"enable_local_backend"`
	ScratchDir         string `mapstructure:"scratch_dir" yaml:"scratch_dir"`
	MaxOutputKB        int    `mapstructure:"max_output_kb" yaml:"max_output_kb"`
	MaxConcurrency     int    `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	StderrPolicy       string `mapstructure:"stderr_policy" yaml:"stderr_policy"`
	ContainerUser      string `mapstructure:"container_user" yaml:"container_user"`
	PullImages         bool   `mapstructure:"pull_images" yaml:"pull_images"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// LanguageConfig overrides the built-in profile of a supported language.
// Command templates may reference {dir}, {src} and {bin}.
type LanguageConfig struct {
	Image       string            `mapstructure:"image" yaml:"image"`
	CompileCmd  string            `mapstructure:"compile_cmd" yaml:"compile_cmd"`
	RunCmd      string            `mapstructure:"run_cmd" yaml:"run_cmd"`
	Environment map[string]string `mapstructure:"environment" yaml:"environment"`
}

// TemplatesConfig selects where stored code templates are read from
type TemplatesConfig struct {
	Driver  string          `mapstructure:"driver" yaml:"driver"`
	DSN     string          `mapstructure:"dsn" yaml:"dsn"`
	Table   string          `mapstructure:"table" yaml:"table"`
	Entries []TemplateEntry `mapstructure:"entries" yaml:"entries"`
	Cache   CacheConfig     `mapstructure:"cache" yaml:"cache"`
}

// TemplateEntry seeds the in-memory template driver
type TemplateEntry struct {
	ID       int64  `mapstructure:"id" yaml:"id"`
	Language string `mapstructure:"language" yaml:"language"`
	Code     string `mapstructure:"code" yaml:"code"`
}

// CacheConfig configures the redis template cache. An empty address disables it.
type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	TTLSec        int    `mapstructure:"ttl_sec" yaml:"ttl_sec"`
}

// Language keys accepted under the languages section
var languageKeys = map[string]bool{
	"python":     true,
	"javascript": true,
	"java":       true,
	"c":          true,
	"cpp":        true,
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or searches ./config.yaml and
// ./config/config.yaml when path is empty. Environment variables prefixed
// with RUNBOX_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "rest")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.max_body_kb", 256)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("sandbox.max_timeout_sec", 30)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.pids_limit", 128)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.scratch_dir", filepath.Join(os.TempDir(), "runbox"))
	v.SetDefault("sandbox.max_output_kb", 64)
	v.SetDefault("sandbox.max_concurrency", 4)
	v.SetDefault("sandbox.stderr_policy", "containerized")
	v.SetDefault("sandbox.container_user", "")
	v.SetDefault("sandbox.pull_images", false)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("languages.python.image", "python:3.11-slim")
	v.SetDefault("languages.javascript.image", "node:20-alpine")
	v.SetDefault("languages.java.image", "eclipse-temurin:21-jdk")
	v.SetDefault("languages.c.image", "gcc:13")
	v.SetDefault("languages.cpp.image", "gcc:13")

	v.SetDefault("templates.driver", "memory")
	v.SetDefault("templates.table", "code_templates")
	v.SetDefault("templates.cache.ttl_sec", 300)
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "rest":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http' or 'rest'", c.Server.Transport)
	}

	if c.Server.Transport != "stdio" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MaxTimeoutSec < c.Sandbox.TimeoutSec {
		return fmt.Errorf("sandbox.max_timeout_sec must be at least sandbox.timeout_sec (%d), got: %d",
			c.Sandbox.TimeoutSec, c.Sandbox.MaxTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.MaxConcurrency <= 0 {
		return fmt.Errorf("sandbox.max_concurrency must be positive, got: %d", c.Sandbox.MaxConcurrency)
	}

	supportedBackends := map[string]bool{
		"docker":    true,
		"podman":    true,
		"dockerapi": true,
		"local":     c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	switch c.Sandbox.StderrPolicy {
	case "containerized", "always", "never":
	default:
		return fmt.Errorf("invalid sandbox.stderr_policy: %s, must be 'containerized', 'always' or 'never'", c.Sandbox.StderrPolicy)
	}

	for key := range c.Languages {
		if !languageKeys[key] {
			return fmt.Errorf("unknown language in languages section: %s", key)
		}
	}

	switch c.Templates.Driver {
	case "", "memory":
	case "sqlite", "mysql":
		if c.Templates.DSN == "" {
			return fmt.Errorf("templates.dsn is required for driver %s", c.Templates.Driver)
		}
	default:
		return fmt.Errorf("unsupported templates.driver: %s", c.Templates.Driver)
	}

	return nil
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetMaxTimeout returns the largest timeout a caller may request
func (c *Config) GetMaxTimeout() time.Duration {
	return time.Duration(c.Sandbox.MaxTimeoutSec) * time.Second
}

// GetMaxOutputBytes returns the per-stream capture limit in bytes
func (c *Config) GetMaxOutputBytes() int {
	return c.Sandbox.MaxOutputKB * 1024
}
