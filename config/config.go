package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tandemdev/tandem-core/paths"
)

// Default values applied when the config file is absent or leaves a
// field unset.
const (
	DefaultAgentCommand    = "codex"
	DefaultCallTimeout     = 90 * time.Second
	DefaultApprovalTimeout = 5 * time.Minute
	DefaultTurnTimeout     = 30 * time.Minute
)

// DefaultAgentArgs returns the default arguments for the agent command.
func DefaultAgentArgs() []string {
	return []string{"app-server"}
}

// Duration is a time.Duration that round-trips through YAML as a
// human-readable string ("90s", "5m").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProjectConfig holds per-project overrides.
type ProjectConfig struct {
	WorkingDir string `yaml:"working_dir,omitempty"` // Overrides the global working dir
}

// Config holds the backend configuration.
type Config struct {
	AgentCommand    string                   `yaml:"agent_command"`              // Binary that serves the agent protocol
	AgentArgs       []string                 `yaml:"agent_args"`                 // Arguments passed to the agent binary
	WorkingDir      string                   `yaml:"working_dir,omitempty"`      // Default working directory for agent threads
	CallTimeout     Duration                 `yaml:"call_timeout,omitempty"`     // Per-request timeout
	ApprovalTimeout Duration                 `yaml:"approval_timeout,omitempty"` // How long a pending decision waits before default-deny
	TurnTimeout     Duration                 `yaml:"turn_timeout,omitempty"`     // Upper bound on a single turn
	Projects        map[string]ProjectConfig `yaml:"projects,omitempty"`         // Per-project overrides keyed by project name
	Debug           bool                     `yaml:"debug,omitempty"`            // Enables debug logging

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from the standard location, or returns a config
// with defaults if the file doesn't exist.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields. Called during load before the config
// is shared, so no locking.
func (c *Config) applyDefaults() {
	if c.AgentCommand == "" {
		c.AgentCommand = DefaultAgentCommand
	}
	if c.AgentArgs == nil {
		c.AgentArgs = DefaultAgentArgs()
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = Duration(DefaultCallTimeout)
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = Duration(DefaultApprovalTimeout)
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = Duration(DefaultTurnTimeout)
	}
	if c.Projects == nil {
		c.Projects = make(map[string]ProjectConfig)
	}
}

// Validate checks the loaded config for values that can't work.
func (c *Config) Validate() error {
	if c.AgentCommand == "" {
		return fmt.Errorf("agent_command must not be empty")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be positive")
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("turn_timeout must be positive")
	}
	for name := range c.Projects {
		if name == "" {
			return fmt.Errorf("project override with empty name")
		}
	}
	return nil
}

// Save writes the config to disk through a temp file and rename.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.filePath == "" {
		return fmt.Errorf("config has no file path")
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.filePath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// EffectiveWorkingDir returns the working directory for a project,
// preferring the project override over the global setting. Empty means
// the agent process's own working directory.
func (c *Config) EffectiveWorkingDir(project string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.Projects[project]; ok && p.WorkingDir != "" {
		return p.WorkingDir
	}
	return c.WorkingDir
}

// SetProjectWorkingDir records a per-project working directory override.
func (c *Config) SetProjectWorkingDir(project, dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.Projects[project]
	p.WorkingDir = dir
	c.Projects[project] = p
}
