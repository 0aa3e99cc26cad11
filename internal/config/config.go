// Package config provides YAML-based configuration loading for chatrelay,
// with environment variable overrides applied on top of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level chatrelay configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Agent      AgentConfig      `yaml:"agent"`
	Models     ModelsConfig     `yaml:"models"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Uploads    UploadsConfig    `yaml:"uploads"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	StaticDir   string `yaml:"static_dir"`
	MaxSessions int    `yaml:"max_sessions"`
}

// AgentConfig describes how the agent CLI is invoked for each turn.
type AgentConfig struct {
	Command            string   `yaml:"command"`
	PromptFlag         string   `yaml:"prompt_flag"`
	ModelFlag          string   `yaml:"model_flag"`
	ResumeFlag         string   `yaml:"resume_flag"`
	StreamArgs         []string `yaml:"stream_args"`
	ExtraArgs          []string `yaml:"extra_args"`
	Env                []string `yaml:"env"`
	UseShell           bool     `yaml:"use_shell"`
	GracePeriodSeconds int      `yaml:"grace_period_seconds"`
}

// GracePeriod returns the SIGTERM to SIGKILL delay.
func (a AgentConfig) GracePeriod() time.Duration {
	return time.Duration(a.GracePeriodSeconds) * time.Second
}

// ModelsConfig lists the models a session may select.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig is one selectable model.
type ModelConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// WorkspaceConfig sets the initial working directory for agent processes.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// UploadsConfig locates uploaded attachments.
type UploadsConfig struct {
	Dir string `yaml:"dir"`
}

// TranscriptConfig enables the sqlite turn transcript when Path is set.
type TranscriptConfig struct {
	Path string `yaml:"path"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var defaultModels = []ModelConfig{
	{ID: "claude-sonnet-4", Name: "Claude Sonnet 4"},
	{ID: "claude-sonnet-4.5", Name: "Claude Sonnet 4.5"},
	{ID: "gpt-4.1", Name: "GPT-4.1"},
	{ID: "gpt-5", Name: "GPT-5"},
	{ID: "gemini-3-pro-preview", Name: "Gemini 3 Pro Preview"},
}

// Load reads a YAML config file from path and returns a validated Config.
// An empty path yields the defaults, still subject to environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8420
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "./frontend/dist"
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = 10
	}

	if c.Agent.Command == "" {
		c.Agent.Command = "copilot"
	}
	if c.Agent.PromptFlag == "" {
		c.Agent.PromptFlag = "-p"
	}
	if c.Agent.ModelFlag == "" {
		c.Agent.ModelFlag = "--model"
	}
	if c.Agent.StreamArgs == nil {
		c.Agent.StreamArgs = []string{"--stream", "on", "--no-color"}
	}
	if c.Agent.ExtraArgs == nil {
		c.Agent.ExtraArgs = []string{"--allow-all-tools"}
	}
	if c.Agent.GracePeriodSeconds == 0 {
		c.Agent.GracePeriodSeconds = 5
	}

	if len(c.Models.Available) == 0 {
		c.Models.Available = append([]ModelConfig(nil), defaultModels...)
	}
	if c.Models.Default == "" {
		c.Models.Default = c.Models.Available[0].ID
	}

	if c.Uploads.Dir == "" {
		c.Uploads.Dir = "/tmp/uploads"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []string

	if v := getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		} else {
			errs = append(errs, fmt.Sprintf("PORT %q is not a number", v))
		}
	}
	if v := getenv("STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.MaxSessions = n
		} else {
			errs = append(errs, fmt.Sprintf("MAX_SESSIONS %q is not a number", v))
		}
	}
	if v := getenv("AGENT_COMMAND"); v != "" {
		c.Agent.Command = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("WORKSPACE"); v != "" {
		c.Workspace.Path = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxSessions < 1 {
		errs = append(errs, "server.max_sessions must be positive")
	}
	if strings.TrimSpace(c.Agent.Command) == "" {
		errs = append(errs, "agent.command is required")
	}
	if c.Agent.GracePeriodSeconds < 0 {
		errs = append(errs, "agent.grace_period_seconds must not be negative")
	}

	seen := make(map[string]bool)
	for i, m := range c.Models.Available {
		id := strings.ToLower(strings.TrimSpace(m.ID))
		if id == "" {
			errs = append(errs, fmt.Sprintf("models.available[%d].id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("models.available[%d].id %q is duplicated", i, m.ID))
		}
		seen[id] = true
	}
	if d := strings.ToLower(strings.TrimSpace(c.Models.Default)); d != "" && !seen[d] {
		errs = append(errs, fmt.Sprintf("models.default %q is not in models.available", c.Models.Default))
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
