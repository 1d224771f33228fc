package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration from the given YAML file path,
// applies defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config found.
// Search order: ./conveyor.yaml, ~/.conveyor/config.yaml. With no file, it
// returns defaults plus environment overrides.
func LoadDefault() (*Config, error) {
	candidates := []string{"conveyor.yaml"}
	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conveyor", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	var cfg Config
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 8192
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(5 * time.Minute)
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = Duration(time.Second)
	}
	if cfg.Worker.LeaseTTL == 0 {
		cfg.Worker.LeaseTTL = Duration(10 * time.Minute)
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 2
	}
	if cfg.Queue.InitialBackoff == 0 {
		cfg.Queue.InitialBackoff = Duration(30 * time.Second)
	}
	if cfg.Recovery.Grace == 0 {
		cfg.Recovery.Grace = Duration(30 * time.Second)
	}
}

// applyEnv overrides deploy-time values so secrets stay out of config files.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CONVEYOR_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("CONVEYOR_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CONVEYOR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}
