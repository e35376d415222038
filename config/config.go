// Package config loads the plural-web server configuration from YAML, with
// environment overrides and hot reload.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-web/claude"
	"github.com/zhubert/plural-web/paths"
)

// Defaults applied when the file or environment leaves a field unset.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8080
	DefaultClaudePath      = "claude"
	DefaultShutdownTimeout = 10 * time.Second
)

// Environment variables that override file values.
const (
	EnvHost       = "PLURAL_WEB_HOST"
	EnvPort       = "PLURAL_WEB_PORT"
	EnvClaudePath = "PLURAL_WEB_CLAUDE_PATH"
	EnvDebug      = "PLURAL_WEB_DEBUG"
)

// ErrInvalidPort is returned for a port outside 1-65535.
var ErrInvalidPort = errors.New("invalid port")

// Config holds the server configuration
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	ClaudePath string `yaml:"claude_path,omitempty"`
	Debug      bool   `yaml:"debug,omitempty"`

	// DefaultWorkingDir is an operator override: requests without a
	// workingDirectory run here instead of in the server's directory, and
	// the engine receives it as cwd. Empty leaves cwd unset.
	DefaultWorkingDir string `yaml:"default_working_dir,omitempty"`

	// DefaultAllowedTools is an operator override applied to requests that
	// send no allowedTools; the engine then receives this list. Empty
	// leaves allowedTools unset. Entries of the form "@name" expand to a
	// named tool set.
	DefaultAllowedTools []string `yaml:"default_allowed_tools,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		ClaudePath:      DefaultClaudePath,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// DefaultPath returns the config file location under the config directory.
func DefaultPath() (string, error) {
	return paths.ConfigFilePath()
}

// Load reads the config at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults restores defaults for fields a file explicitly zeroed.
func (c *Config) fillDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.ClaudePath == "" {
		c.ClaudePath = DefaultClaudePath
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative: %s", c.ShutdownTimeout)
	}
	if c.DefaultWorkingDir != "" && !filepath.IsAbs(c.DefaultWorkingDir) {
		return fmt.Errorf("default_working_dir must be absolute: %s", c.DefaultWorkingDir)
	}
	if _, err := claude.ExpandToolSets(c.DefaultAllowedTools); err != nil {
		return fmt.Errorf("default_allowed_tools: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok && v != "" {
		c.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidPort, EnvPort, v)
		}
		c.Port = port
	}
	if v, ok := lookup(EnvClaudePath); ok && v != "" {
		c.ClaudePath = v
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvDebug, v, err)
		}
		c.Debug = debug
	}
	return c.Validate()
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AllowedTools returns DefaultAllowedTools with tool sets expanded.
func (c *Config) AllowedTools() ([]string, error) {
	return claude.ExpandToolSets(c.DefaultAllowedTools)
}

// Save writes the config to path, replacing any existing file atomically.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
