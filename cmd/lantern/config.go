package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the lantern configuration file
// (~/.config/lantern/config.yaml). Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	ModelPath string `yaml:"model_path"`

	// Sampling defaults
	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	MaxTokens   *int64   `yaml:"max_tokens"`
	WriteEvery  *int64   `yaml:"write_every"`
	Seed        *int64   `yaml:"seed"`

	// Output
	LogLevel string `yaml:"log_level"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lantern", "config.yaml")
}

// applyRunConfig applies config file defaults to run command variables when
// the corresponding CLI flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg Config,
	modelPath *string, temp *float64, topK *int64, maxTokens *int64,
	writeEvery *int64, seed *int64,
) {
	if cfg.ModelPath != "" && !c.IsSet("model-path") {
		*modelPath = cfg.ModelPath
	}
	if cfg.Temperature != nil && !c.IsSet("temp") && !c.IsSet("temperature") {
		*temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") && !c.IsSet("top_k") {
		*topK = *cfg.TopK
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") && !c.IsSet("m") {
		*maxTokens = *cfg.MaxTokens
	}
	if cfg.WriteEvery != nil && !c.IsSet("write-every") {
		*writeEvery = *cfg.WriteEvery
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, modelPath, addr *string) {
	if cfg.ModelPath != "" && !c.IsSet("model-path") {
		*modelPath = cfg.ModelPath
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't
// exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
