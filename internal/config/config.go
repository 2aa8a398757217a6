// Package config handles configuration loading and management for deskpilot.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for deskpilot.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Agents    AgentsConfig    `mapstructure:"agents" yaml:"agents"`
	Poll      PollConfig      `mapstructure:"poll" yaml:"poll"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
}

// AnthropicConfig holds language model API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Model      string `mapstructure:"model" yaml:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host  string `mapstructure:"host" yaml:"host"`
	Port  int    `mapstructure:"port" yaml:"port"`
	Debug bool   `mapstructure:"debug" yaml:"debug"`
}

// SchedulerConfig holds task execution settings.
type SchedulerConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
	MaxWorkers  int           `mapstructure:"max_workers" yaml:"max_workers"`
}

// AgentsConfig holds sub-agent settings.
type AgentsConfig struct {
	GUIMaxSteps int `mapstructure:"gui_max_steps" yaml:"gui_max_steps"`
}

// PollConfig holds client polling settings.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// DebugConfig holds debug logging settings.
type DebugConfig struct {
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// Load reads configuration with the following precedence (highest first):
// 1. Environment variables (DESKPILOT_*, ANTHROPIC_API_KEY)
// 2. Project config (.deskpilot.yaml in current directory or parent)
// 3. User config (~/.config/deskpilot/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DESKPILOT")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the configuration to the user config file as YAML.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Watch reloads the user config file on change and calls onChange with the
// fresh configuration. Used by serve mode so settings apply without a
// restart.
func Watch(onChange func(*Config)) error {
	v := viper.New()
	setDefaults(v)

	configPath := filepath.Join(getUserConfigDir(), "config.yaml")
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config for watch: %w", err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			return
		}
		cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)

	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff", "1s")
	v.SetDefault("scheduler.max_workers", 4)

	v.SetDefault("agents.gui_max_steps", 8)
	v.SetDefault("poll.interval", "1s")
	v.SetDefault("debug.log_file", "")
}

// getUserConfigDir returns the XDG config directory for deskpilot.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "deskpilot")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "deskpilot")
	}
	return filepath.Join(home, ".config", "deskpilot")
}

// findProjectConfig searches for .deskpilot.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".deskpilot.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Scheduler: SchedulerConfig{
			MaxAttempts: 3,
			Backoff:     time.Second,
			MaxWorkers:  4,
		},
		Agents: AgentsConfig{
			GUIMaxSteps: 8,
		},
		Poll: PollConfig{
			Interval: time.Second,
		},
	}
}
