package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envConfig = "KEEL_CONFIG"

// Config represents the keel configuration file (~/.config/keel/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model      string `yaml:"model"`
	Backend    string `yaml:"backend"`
	WeightType string `yaml:"weight_type"`

	TensorParallel *int64 `yaml:"tp"`
	SessionLen     *int64 `yaml:"session_len"`
	MaxBatchSize   *int64 `yaml:"max_batch_size"`
	Device         *int64 `yaml:"device"`

	// Sampling defaults
	MaxNewTokens  *int64   `yaml:"max_new_tokens"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	Seed          *int64   `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "keel", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't
// exist or doesn't parse.
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

// flagSetter is the part of *cli.Command the apply functions need.
type flagSetter interface {
	IsSet(name string) bool
}

// applyEngineConfig applies config file defaults to the engine flags that
// were not set on the command line.
func applyEngineConfig(c flagSetter, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.WeightType != "" && !c.IsSet("weight-type") {
		weightType = cfg.WeightType
	}
	if cfg.TensorParallel != nil && !c.IsSet("tp") {
		tp = *cfg.TensorParallel
	}
	if cfg.SessionLen != nil && !c.IsSet("session-len") {
		sessionLen = *cfg.SessionLen
	}
	if cfg.MaxBatchSize != nil && !c.IsSet("max-batch-size") {
		maxBatchSize = *cfg.MaxBatchSize
	}
	if cfg.Device != nil && !c.IsSet("device") {
		deviceID = *cfg.Device
	}
}

// applySamplingConfig applies config file sampling defaults to s.
func applySamplingConfig(c flagSetter, cfg Config, s *sampling) {
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") {
		s.maxNewTokens = *cfg.MaxNewTokens
	}
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		s.temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		s.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		s.topP = *cfg.TopP
	}
	if cfg.RepeatPenalty != nil && !c.IsSet("repeat-penalty") {
		s.repeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		s.seed = *cfg.Seed
	}
}

func applyLoggingConfig(c flagSetter, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

var _ flagSetter = (*cli.Command)(nil)
