package reference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// modelConfig is the subset of a Hugging Face style config.json the
// reference model understands. config.yaml with the same keys is accepted
// when config.json is missing.
type modelConfig struct {
	Name          string `json:"_name_or_path" yaml:"_name_or_path"`
	ModelType     string `json:"model_type" yaml:"model_type"`
	VocabSize     int    `json:"vocab_size" yaml:"vocab_size"`
	HiddenSize    int    `json:"hidden_size" yaml:"hidden_size"`
	NumLayers     int    `json:"num_hidden_layers" yaml:"num_hidden_layers"`
	MaxPositions  int    `json:"max_position_embeddings" yaml:"max_position_embeddings"`
	Seed          int64  `json:"seed" yaml:"seed"`
	TorchDType    string `json:"torch_dtype" yaml:"torch_dtype"`
	EOSTokenIDRaw any    `json:"eos_token_id" yaml:"eos_token_id"`
}

type generationConfig struct {
	EOSTokenID json.RawMessage `json:"eos_token_id"`
}

const (
	defaultVocab     = 320
	defaultHidden    = 64
	defaultLayers    = 2
	defaultPositions = 4096
	defaultSeed      = 1234
)

var errNoConfig = errors.New("model directory has no config.json or config.yaml")

func loadModelConfig(dir, override string) (modelConfig, error) {
	cfg := modelConfig{}

	jsonPath := filepath.Join(dir, "config.json")
	yamlPath := filepath.Join(dir, "config.yaml")
	if data, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", jsonPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	} else if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("%w: %s", errNoConfig, dir)
	} else {
		return cfg, err
	}

	if strings.TrimSpace(override) != "" {
		// JSON documents are valid YAML, so one decoder covers both.
		if err := yaml.Unmarshal([]byte(override), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config override: %w", err)
		}
	}

	genPath := filepath.Join(dir, "generation_config.json")
	if data, err := os.ReadFile(genPath); err == nil {
		var gen generationConfig
		if err := json.Unmarshal(data, &gen); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", genPath, err)
		}
		if len(gen.EOSTokenID) > 0 {
			var v any
			if err := json.Unmarshal(gen.EOSTokenID, &v); err != nil {
				return cfg, fmt.Errorf("parse %s eos_token_id: %w", genPath, err)
			}
			cfg.EOSTokenIDRaw = v
		}
	}

	if cfg.Name == "" {
		cfg.Name = filepath.Base(filepath.Clean(dir))
	}
	if cfg.ModelType == "" {
		cfg.ModelType = "llm"
	}
	if cfg.VocabSize <= 0 {
		cfg.VocabSize = defaultVocab
	}
	if cfg.HiddenSize <= 0 {
		cfg.HiddenSize = defaultHidden
	}
	if cfg.NumLayers <= 0 {
		cfg.NumLayers = defaultLayers
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = defaultPositions
	}
	if cfg.Seed == 0 {
		cfg.Seed = defaultSeed
	}
	if cfg.VocabSize < byteVocab {
		return cfg, fmt.Errorf("vocab_size %d is smaller than the byte vocabulary (%d)", cfg.VocabSize, byteVocab)
	}
	return cfg, nil
}

// eosIDs returns the configured end-of-sequence ids, defaulting to eosID.
func (c modelConfig) eosIDs() []int32 {
	switch v := c.EOSTokenIDRaw.(type) {
	case float64:
		return []int32{int32(v)}
	case int:
		return []int32{int32(v)}
	case []any:
		ids := make([]int32, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case float64:
				ids = append(ids, int32(n))
			case int:
				ids = append(ids, int32(n))
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	return []int32{eosID}
}
