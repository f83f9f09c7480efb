// Package reference is a self-contained CPU backend. It loads a model
// directory's config, builds a small deterministic network from it and serves
// generation and session forwards with a byte-level codec. It exists so keel
// runs end to end without an accelerator.
package reference

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/logger"
)

const (
	Name    = backend.Reference
	version = "0.3.0"

	defaultDevices = 8
)

func init() {
	backend.Register(Name, func(opts backend.Options) (backend.Backend, error) {
		return New(WithLogger(opts.Logger)), nil
	})
}

type Option func(*Backend)

func WithLogger(l logger.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.log = l
		}
	}
}

// WithDevices sets how many virtual devices the backend reports.
func WithDevices(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.devices = n
		}
	}
}

type Backend struct {
	log     logger.Logger
	devices int
}

func New(opts ...Option) *Backend {
	b := &Backend{log: logger.Discard(), devices: defaultDevices}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Name() string     { return Name }
func (b *Backend) Version() string  { return version }
func (b *Backend) DeviceCount() int { return b.devices }

var weightTypes = map[string]struct{}{
	"half": {}, "fp16": {}, "float16": {}, "bf16": {}, "bfloat16": {},
	"fp32": {}, "float32": {}, "fp8": {}, "int4": {}, "int8": {},
}

func (b *Backend) LoadModel(ctx context.Context, spec backend.ModelSpec) (backend.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := os.Stat(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("open model: %s is not a directory", spec.Path)
	}

	wt := strings.ToLower(strings.TrimSpace(spec.WeightType))
	if wt == "" {
		wt = "half"
	}
	if _, ok := weightTypes[wt]; !ok {
		return nil, fmt.Errorf("unsupported weight type %q", spec.WeightType)
	}
	format := strings.ToLower(spec.Format)
	if wt == "int4" && format != "awq" && format != "gptq" {
		return nil, fmt.Errorf("weight type int4 requires an awq or gptq model, got %q", spec.Format)
	}
	if (format == "awq" || format == "gptq") && wt != "int4" {
		return nil, fmt.Errorf("%s models need weight type int4, got %q", format, wt)
	}

	tp := max(spec.TensorParallel, 1)
	pp := max(spec.PipelineParallel, 1)
	if spec.DeviceID < 0 || spec.DeviceID+tp*pp > b.devices {
		return nil, fmt.Errorf("device %d with %d ranks exceeds %d devices", spec.DeviceID, tp*pp, b.devices)
	}

	cfg, err := loadModelConfig(spec.Path, spec.ConfigOverride)
	if err != nil {
		return nil, err
	}
	positions := cfg.MaxPositions
	if spec.RopeScaling > 1 && spec.RopeScalingType != "" && spec.RopeScalingType != "none" {
		positions = int(float64(positions) * spec.RopeScaling)
	}
	if spec.SessionLen > positions {
		return nil, fmt.Errorf("session length %d exceeds the model's %d positions", spec.SessionLen, positions)
	}

	m := newModel(cfg, spec, tp, pp, wt, b.log)
	b.log.Debug("model loaded", "model", cfg.Name, "vocab", cfg.VocabSize, "hidden", cfg.HiddenSize,
		"weight_type", wt, "tp", tp, "pp", pp)
	return m, nil
}
