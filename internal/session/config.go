package session

import (
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/errdefs"
)

// Generation defaults for the session path.
const (
	DefaultMaxNewTokens      = 100
	DefaultMinNewTokens      = 1
	DefaultTopP              = 0.8
	DefaultTopK              = 40
	DefaultTemperature       = 1.0
	DefaultRepetitionPenalty = 1.0
)

// GenerationConfig controls one forward call. Non-positive numeric fields
// take the defaults above; MinP 0 disables min-p and RandomSeed 0 derives the
// seed from the session id.
type GenerationConfig struct {
	MaxNewTokens      int     `json:"max_new_tokens" yaml:"max_new_tokens"`
	MinNewTokens      int     `json:"min_new_tokens" yaml:"min_new_tokens"`
	EosIDs            []int32 `json:"eos_ids,omitempty" yaml:"eos_ids,omitempty"`
	StopIDs           []int32 `json:"stop_ids,omitempty" yaml:"stop_ids,omitempty"`
	BadIDs            []int32 `json:"bad_ids,omitempty" yaml:"bad_ids,omitempty"`
	TopP              float32 `json:"top_p" yaml:"top_p"`
	TopK              int     `json:"top_k" yaml:"top_k"`
	MinP              float32 `json:"min_p" yaml:"min_p"`
	Temperature       float32 `json:"temperature" yaml:"temperature"`
	RepetitionPenalty float32 `json:"repetition_penalty" yaml:"repetition_penalty"`
	RandomSeed        int64   `json:"random_seed" yaml:"random_seed"`

	OutputLogprobs        bool `json:"output_logprobs" yaml:"output_logprobs"`
	OutputLastHiddenState bool `json:"output_last_hidden_state" yaml:"output_last_hidden_state"`
	OutputLogits          bool `json:"output_logits" yaml:"output_logits"`
}

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxNewTokens:      DefaultMaxNewTokens,
		MinNewTokens:      DefaultMinNewTokens,
		TopP:              DefaultTopP,
		TopK:              DefaultTopK,
		Temperature:       DefaultTemperature,
		RepetitionPenalty: DefaultRepetitionPenalty,
	}
}

// resolve applies defaults, checks the result and builds the backend form.
// ID lists are copied.
func (g GenerationConfig) resolve(sessionID uint64) (backend.SamplingConfig, error) {
	d := DefaultGenerationConfig()
	if g.MaxNewTokens <= 0 {
		g.MaxNewTokens = d.MaxNewTokens
	}
	if g.MinNewTokens <= 0 {
		g.MinNewTokens = d.MinNewTokens
	}
	if g.TopP <= 0 {
		g.TopP = d.TopP
	}
	if g.TopK <= 0 {
		g.TopK = d.TopK
	}
	if g.Temperature <= 0 {
		g.Temperature = d.Temperature
	}
	if g.RepetitionPenalty <= 0 {
		g.RepetitionPenalty = d.RepetitionPenalty
	}
	switch {
	case g.MinNewTokens > g.MaxNewTokens:
		return backend.SamplingConfig{}, errdefs.InvalidParams("min_new_tokens %d exceeds max_new_tokens %d", g.MinNewTokens, g.MaxNewTokens)
	case g.TopP > 1:
		return backend.SamplingConfig{}, errdefs.InvalidParams("top_p must be in (0, 1], got %v", g.TopP)
	case g.MinP < 0 || g.MinP >= 1:
		return backend.SamplingConfig{}, errdefs.InvalidParams("min_p must be in [0, 1), got %v", g.MinP)
	}
	seed := g.RandomSeed
	if seed == 0 {
		seed = int64(sessionID)
	}
	return backend.SamplingConfig{
		MaxNewTokens:          g.MaxNewTokens,
		MinNewTokens:          g.MinNewTokens,
		EosIDs:                cloneIDs(g.EosIDs),
		StopIDs:               cloneIDs(g.StopIDs),
		BadIDs:                cloneIDs(g.BadIDs),
		TopP:                  g.TopP,
		TopK:                  g.TopK,
		MinP:                  g.MinP,
		Temperature:           g.Temperature,
		RepetitionPenalty:     g.RepetitionPenalty,
		Seed:                  seed,
		OutputLogprobs:        g.OutputLogprobs,
		OutputLastHiddenState: g.OutputLastHiddenState,
		OutputLogits:          g.OutputLogits,
	}, nil
}

func cloneIDs(ids []int32) []int32 {
	if len(ids) == 0 {
		return nil
	}
	return append([]int32(nil), ids...)
}

// EngineConfig is the layout of a model opened on the session path.
type EngineConfig struct {
	ModelFormat         string  `json:"model_format" yaml:"model_format"`
	TensorParallel      int     `json:"tp" yaml:"tp"`
	PipelineParallel    int     `json:"pp" yaml:"pp"`
	SessionLen          int     `json:"session_len" yaml:"session_len"`
	MaxBatchSize        int     `json:"max_batch_size" yaml:"max_batch_size"`
	QuantPolicy         int     `json:"quant_policy" yaml:"quant_policy"`
	CacheMaxEntryCount  float64 `json:"cache_max_entry_count" yaml:"cache_max_entry_count"`
	EnablePrefixCaching bool    `json:"enable_prefix_caching" yaml:"enable_prefix_caching"`
	RopeScalingFactor   float64 `json:"rope_scaling_factor" yaml:"rope_scaling_factor"`
	RopeScalingType     string  `json:"rope_scaling_type" yaml:"rope_scaling_type"`
	DeviceID            int     `json:"device_id" yaml:"device_id"`
	// Model holds backend specific overrides of the model's own config.
	Model map[string]any `json:"model,omitempty" yaml:"model,omitempty"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ModelFormat:        "hf",
		TensorParallel:     1,
		PipelineParallel:   1,
		SessionLen:         2048,
		MaxBatchSize:       32,
		CacheMaxEntryCount: 0.8,
		RopeScalingFactor:  1.0,
		RopeScalingType:    "none",
	}
}

// EngineConfigFromJSON decodes data over the defaults.
func EngineConfigFromJSON(data []byte) (EngineConfig, error) {
	c := DefaultEngineConfig()
	if err := json.Unmarshal(data, &c); err != nil {
		return EngineConfig{}, errdefs.InvalidConfig("decode engine config: %v", err)
	}
	return c, c.validate()
}

// ToJSON encodes c.
func (c EngineConfig) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// ParseEngineConfig decodes a YAML (or JSON) document over the defaults. An
// empty document yields the defaults.
func ParseEngineConfig(doc string) (EngineConfig, error) {
	c := DefaultEngineConfig()
	if strings.TrimSpace(doc) == "" {
		return c, nil
	}
	if err := yaml.Unmarshal([]byte(doc), &c); err != nil {
		return EngineConfig{}, errdefs.InvalidConfig("decode engine config: %v", err)
	}
	return c, c.validate()
}

func (c EngineConfig) validate() error {
	switch {
	case c.TensorParallel < 1:
		return errdefs.InvalidConfig("tp must be at least 1, got %d", c.TensorParallel)
	case c.PipelineParallel < 1:
		return errdefs.InvalidConfig("pp must be at least 1, got %d", c.PipelineParallel)
	case c.SessionLen < 1:
		return errdefs.InvalidConfig("session_len must be positive, got %d", c.SessionLen)
	case c.MaxBatchSize < 1:
		return errdefs.InvalidConfig("max_batch_size must be positive, got %d", c.MaxBatchSize)
	case c.CacheMaxEntryCount <= 0 || c.CacheMaxEntryCount > 1:
		return errdefs.InvalidConfig("cache_max_entry_count must be in (0, 1], got %v", c.CacheMaxEntryCount)
	case c.DeviceID < 0:
		return errdefs.InvalidConfig("device_id must not be negative, got %d", c.DeviceID)
	}
	switch c.QuantPolicy {
	case 0, 4, 8:
	default:
		return errdefs.InvalidConfig("quant_policy must be 0, 4 or 8, got %d", c.QuantPolicy)
	}
	return nil
}

func (c EngineConfig) modelSpec(dir, weightType string) (backend.ModelSpec, error) {
	spec := backend.ModelSpec{
		Path:             dir,
		Format:           c.ModelFormat,
		WeightType:       weightType,
		TensorParallel:   c.TensorParallel,
		PipelineParallel: c.PipelineParallel,
		SessionLen:       c.SessionLen,
		MaxBatchSize:     c.MaxBatchSize,
		QuantPolicy:      c.QuantPolicy,
		CacheMaxEntry:    c.CacheMaxEntryCount,
		PrefixCaching:    c.EnablePrefixCaching,
		RopeScaling:      c.RopeScalingFactor,
		RopeScalingType:  c.RopeScalingType,
		DeviceID:         c.DeviceID,
	}
	if len(c.Model) > 0 {
		override, err := yaml.Marshal(c.Model)
		if err != nil {
			return spec, errdefs.InvalidConfig("encode model overrides: %v", err)
		}
		spec.ConfigOverride = string(override)
	}
	return spec, nil
}
