package engine

import (
	"math"
	"strings"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/errdefs"
)

// Quantization policies.
const (
	QuantNone = 0
	QuantInt4 = 4
	QuantInt8 = 8
)

// Config describes the model an Engine serves and how it is laid out.
type Config struct {
	ModelPath           string  `json:"model_path" yaml:"model_path"`
	ModelFormat         string  `json:"model_format" yaml:"model_format"`
	TensorParallel      int     `json:"tp" yaml:"tp"`
	SessionLen          int     `json:"session_len" yaml:"session_len"`
	MaxBatchSize        int     `json:"max_batch_size" yaml:"max_batch_size"`
	QuantPolicy         int     `json:"quant_policy" yaml:"quant_policy"`
	CacheMaxEntryCount  float64 `json:"cache_max_entry_count" yaml:"cache_max_entry_count"`
	EnablePrefixCaching bool    `json:"enable_prefix_caching" yaml:"enable_prefix_caching"`
	RopeScalingFactor   float64 `json:"rope_scaling_factor" yaml:"rope_scaling_factor"`
	RopeScalingType     string  `json:"rope_scaling_type" yaml:"rope_scaling_type"`
	WeightType          string  `json:"weight_type" yaml:"weight_type"`
	DeviceID            int     `json:"device_id" yaml:"device_id"`
}

// DefaultConfig returns a single-device config for the model at path.
func DefaultConfig(path string) Config {
	return Config{
		ModelPath:          path,
		ModelFormat:        "hf",
		TensorParallel:     1,
		SessionLen:         2048,
		MaxBatchSize:       32,
		CacheMaxEntryCount: 0.8,
		RopeScalingFactor:  1.0,
		WeightType:         "half",
	}
}

// withDefaults fills unset fields. Fields that are set but wrong are left
// for Validate to reject.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.ModelPath)
	if c.ModelFormat == "" {
		c.ModelFormat = d.ModelFormat
	}
	if c.TensorParallel == 0 {
		c.TensorParallel = d.TensorParallel
	}
	if c.SessionLen == 0 {
		c.SessionLen = d.SessionLen
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.CacheMaxEntryCount == 0 {
		c.CacheMaxEntryCount = d.CacheMaxEntryCount
	}
	if c.RopeScalingFactor <= 0 {
		c.RopeScalingFactor = d.RopeScalingFactor
	}
	if c.RopeScalingType == "" {
		c.RopeScalingType = "none"
	}
	if c.WeightType == "" {
		c.WeightType = d.WeightType
	}
	c.ModelFormat = strings.ToLower(c.ModelFormat)
	c.RopeScalingType = strings.ToLower(c.RopeScalingType)
	c.WeightType = strings.ToLower(c.WeightType)
	return c
}

// Validate reports the first problem with c as an ErrInvalidConfig error.
// It does not apply defaults.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ModelPath) == "":
		return errdefs.InvalidConfig("model_path is required")
	case c.TensorParallel < 1:
		return errdefs.InvalidConfig("tp must be at least 1, got %d", c.TensorParallel)
	case c.SessionLen < 1:
		return errdefs.InvalidConfig("session_len must be positive, got %d", c.SessionLen)
	case c.MaxBatchSize < 1:
		return errdefs.InvalidConfig("max_batch_size must be positive, got %d", c.MaxBatchSize)
	case c.DeviceID < 0:
		return errdefs.InvalidConfig("device_id must not be negative, got %d", c.DeviceID)
	case math.IsNaN(c.CacheMaxEntryCount) || c.CacheMaxEntryCount <= 0 || c.CacheMaxEntryCount > 1:
		return errdefs.InvalidConfig("cache_max_entry_count must be in (0, 1], got %v", c.CacheMaxEntryCount)
	}
	switch c.QuantPolicy {
	case QuantNone, QuantInt4, QuantInt8:
	default:
		return errdefs.InvalidConfig("quant_policy must be 0, 4 or 8, got %d", c.QuantPolicy)
	}
	switch c.ModelFormat {
	case "hf", "awq", "gptq", "mcf":
	default:
		return errdefs.InvalidConfig("unknown model_format %q", c.ModelFormat)
	}
	switch c.RopeScalingType {
	case "", "none", "linear", "dynamic", "yarn":
	default:
		return errdefs.InvalidConfig("unknown rope_scaling_type %q", c.RopeScalingType)
	}
	return nil
}

func (c Config) modelSpec() backend.ModelSpec {
	return backend.ModelSpec{
		Path:             c.ModelPath,
		Format:           c.ModelFormat,
		WeightType:       c.WeightType,
		TensorParallel:   c.TensorParallel,
		PipelineParallel: 1,
		SessionLen:       c.SessionLen,
		MaxBatchSize:     c.MaxBatchSize,
		QuantPolicy:      c.QuantPolicy,
		CacheMaxEntry:    c.CacheMaxEntryCount,
		PrefixCaching:    c.EnablePrefixCaching,
		RopeScaling:      c.RopeScalingFactor,
		RopeScalingType:  c.RopeScalingType,
		DeviceID:         c.DeviceID,
	}
}
