package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()
	if err := DefaultConfig("/models/x").Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"empty path", func(c *Config) { c.ModelPath = "" }, "model_path"},
		{"blank path", func(c *Config) { c.ModelPath = "  \t" }, "model_path"},
		{"tp", func(c *Config) { c.TensorParallel = -1 }, "tp"},
		{"session_len", func(c *Config) { c.SessionLen = -5 }, "session_len"},
		{"max_batch_size", func(c *Config) { c.MaxBatchSize = -1 }, "max_batch_size"},
		{"device", func(c *Config) { c.DeviceID = -1 }, "device_id"},
		{"cache high", func(c *Config) { c.CacheMaxEntryCount = 1.5 }, "cache_max_entry_count"},
		{"cache negative", func(c *Config) { c.CacheMaxEntryCount = -0.1 }, "cache_max_entry_count"},
		{"quant", func(c *Config) { c.QuantPolicy = 3 }, "quant_policy"},
		{"format", func(c *Config) { c.ModelFormat = "onnx" }, "model_format"},
		{"rope", func(c *Config) { c.RopeScalingType = "ntk" }, "rope_scaling_type"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := DefaultConfig("/m")
			tc.edit(&c)
			err := c.withDefaults().Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tc.want) || !strings.Contains(err.Error(), "invalid configuration") {
				t.Fatalf("message %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	t.Parallel()
	c := Config{ModelPath: "/m", ModelFormat: "AWQ", RopeScalingFactor: -2}.withDefaults()
	want := DefaultConfig("/m")
	want.ModelFormat = "awq"
	want.RopeScalingType = "none"
	if c != want {
		t.Fatalf("withDefaults() = %+v\nwant %+v", c, want)
	}
}
