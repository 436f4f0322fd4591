// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

// Config holds the application configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Agent  AgentConfig  `json:"agent" yaml:"agent"`
	Pool   PoolConfig   `json:"pool" yaml:"pool"`
	Store  StoreConfig  `json:"store" yaml:"store"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// AgentConfig describes how fix agent processes are launched. PersonaDir
// holds <category>.md guidance prepended to prompts.
type AgentConfig struct {
	Command    string   `json:"command" yaml:"command"`
	Model      string   `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTurns   int      `json:"max_turns" yaml:"max_turns"`
	ExtraArgs  []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	LogDir     string   `json:"log_dir" yaml:"log_dir"`
	PersonaDir string   `json:"persona_dir,omitempty" yaml:"persona_dir,omitempty"`
}

// PoolConfig holds agent pool limits and timeouts.
type PoolConfig struct {
	StartConcurrency int             `json:"start_concurrency" yaml:"start_concurrency"`
	MaxRunning       int             `json:"max_running" yaml:"max_running"`
	SpawnTimeout     models.Duration `json:"spawn_timeout" yaml:"spawn_timeout"`
	NoOutputTimeout  models.Duration `json:"no_output_timeout" yaml:"no_output_timeout"`
	RetainFinished   int             `json:"retain_finished" yaml:"retain_finished"`
}

// StoreConfig selects the fix record store.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
}

// Dir returns the default fixpool state directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fixpool")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := Dir()

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8766,
		},
		Agent: AgentConfig{
			Command:    "claude",
			MaxTurns:   30,
			LogDir:     filepath.Join(dir, "logs"),
			PersonaDir: filepath.Join(dir, "personas"),
		},
		Pool: PoolConfig{
			StartConcurrency: 2,
			SpawnTimeout:     models.Duration(5 * time.Second),
			NoOutputTimeout:  models.Duration(120 * time.Second),
			RetainFinished:   256,
		},
		Store: StoreConfig{
			Driver: "file",
			Path:   filepath.Join(dir, "fixes.json"),
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		// Try YAML first, then JSON
		yamlPath := filepath.Join(Dir(), "config.yaml")
		jsonPath := filepath.Join(Dir(), "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else {
			return cfg, nil
		}
	}
	baseDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.Agent.LogDir = resolvePath(cfg.Agent.LogDir, baseDir)
	cfg.Agent.PersonaDir = resolvePath(cfg.Agent.PersonaDir, baseDir)
	if cfg.Store.Path != ":memory:" {
		cfg.Store.Path = resolvePath(cfg.Store.Path, baseDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pool cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Pool.StartConcurrency < 0 {
		return fmt.Errorf("pool.start_concurrency must not be negative")
	}
	if c.Pool.MaxRunning < 0 {
		return fmt.Errorf("pool.max_running must not be negative")
	}
	if c.Pool.SpawnTimeout < 0 || c.Pool.NoOutputTimeout < 0 {
		return fmt.Errorf("pool timeouts must not be negative")
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}
	return nil
}

// Save saves configuration to a file. The format follows the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func isYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	// "~user/..." is left alone.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
