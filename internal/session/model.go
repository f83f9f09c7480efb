// Package session is the low-level model path: a model opened from a
// directory, its weights built rank by rank, and instances that run
// multi-step sessions through Forward.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/logger"
	"github.com/samcharles93/keel/internal/metrics"
)

type Option func(*options)

type options struct {
	log     logger.Logger
	metrics *metrics.Metrics
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// ModelInfo extends the backend's description with the layout the model was
// opened with.
type ModelInfo struct {
	backend.ModelInfo
	TensorParallel   int
	PipelineParallel int
	DeviceID         int
	WeightType       string
}

type Model struct {
	be         backend.Backend
	bm         backend.Model
	dir        string
	cfg        EngineConfig
	weightType string
	opts       options

	mu        sync.Mutex
	instances map[*Instance]struct{}
	closed    bool
}

// Open loads the model in dir. config is a YAML or JSON EngineConfig
// document; empty means defaults. Weights are not built yet.
func Open(ctx context.Context, be backend.Backend, dir, config, weightType string, opts ...Option) (*Model, error) {
	if be == nil {
		return nil, errdefs.InvalidParams("backend is nil")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errdefs.InvalidParams("model directory is required")
	}
	cfg, err := ParseEngineConfig(config)
	if err != nil {
		return nil, err
	}
	if weightType == "" {
		weightType = "half"
	}
	spec, err := cfg.modelSpec(dir, weightType)
	if err != nil {
		return nil, err
	}

	o := options{log: logger.Discard()}
	for _, fn := range opts {
		fn(&o)
	}
	o.log = o.log.With("model", dir)

	bm, err := loadModel(ctx, be, spec)
	if err != nil {
		o.log.Error("open model failed", "error", err)
		return nil, err
	}
	o.log.Debug("model opened", "tp", cfg.TensorParallel, "pp", cfg.PipelineParallel, "weight_type", weightType)
	return &Model{
		be:         be,
		bm:         bm,
		dir:        dir,
		cfg:        cfg,
		weightType: weightType,
		opts:       o,
		instances:  make(map[*Instance]struct{}),
	}, nil
}

func loadModel(ctx context.Context, be backend.Backend, spec backend.ModelSpec) (m backend.Model, err error) {
	defer errdefs.Recover("load model", &err)
	m, err = be.LoadModel(ctx, spec)
	if err != nil {
		return nil, errdefs.Backend("load model", err)
	}
	return m, nil
}

func (m *Model) check() error {
	if m == nil {
		return errdefs.InvalidParams("model is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errdefs.NotReady("model is closed")
	}
	return nil
}

func (m *Model) stage(op string, fn func() error) (err error) {
	if err := m.check(); err != nil {
		return err
	}
	defer errdefs.Recover(op, &err)
	return errdefs.Backend(op, fn())
}

func (m *Model) CreateSharedWeights(device, rank int) error {
	return m.stage("create shared weights", func() error { return m.bm.CreateSharedWeights(device, rank) })
}

func (m *Model) ProcessWeights(device, rank int) error {
	return m.stage("process weights", func() error { return m.bm.ProcessWeights(device, rank) })
}

func (m *Model) CreateEngine(device, rank int) error {
	return m.stage("create engine", func() error { return m.bm.CreateEngine(device, rank) })
}

// Build runs the three weight steps for every rank, placing rank r on device
// DeviceID+r.
func (m *Model) Build() error {
	for rank := range m.cfg.TensorParallel * m.cfg.PipelineParallel {
		device := m.cfg.DeviceID + rank
		if err := m.CreateSharedWeights(device, rank); err != nil {
			return err
		}
		if err := m.ProcessWeights(device, rank); err != nil {
			return err
		}
		if err := m.CreateEngine(device, rank); err != nil {
			return err
		}
	}
	return nil
}

// CreateInstance returns an instance that runs sessions on device.
func (m *Model) CreateInstance(device int) (*Instance, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	if device < 0 || device >= m.be.DeviceCount() {
		return nil, errdefs.InvalidParams("device %d out of range [0, %d)", device, m.be.DeviceCount())
	}
	bi, err := newBackendInstance(m.bm, device)
	if err != nil {
		return nil, err
	}
	in := newInstance(m, bi, device)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = bi.Close()
		return nil, errdefs.NotReady("model is closed")
	}
	m.instances[in] = struct{}{}
	return in, nil
}

func newBackendInstance(bm backend.Model, device int) (bi backend.Instance, err error) {
	defer errdefs.Recover("create instance", &err)
	bi, err = bm.NewInstance(device)
	if err != nil {
		return nil, errdefs.Backend("create instance", err)
	}
	return bi, nil
}

func (m *Model) forget(in *Instance) {
	m.mu.Lock()
	delete(m.instances, in)
	m.mu.Unlock()
}

func (m *Model) TensorParaSize() int {
	if m == nil {
		return 0
	}
	return m.bm.TensorParaSize()
}

func (m *Model) PipelineParaSize() int {
	if m == nil {
		return 0
	}
	return m.bm.PipelineParaSize()
}

func (m *Model) Info() ModelInfo {
	return ModelInfo{
		ModelInfo:        m.bm.Info(),
		TensorParallel:   m.bm.TensorParaSize(),
		PipelineParallel: m.bm.PipelineParaSize(),
		DeviceID:         m.cfg.DeviceID,
		WeightType:       m.weightType,
	}
}

func (m *Model) Config() EngineConfig { return m.cfg }

// Encode and Decode use the backend's codec.
func (m *Model) Encode(text string) ([]int32, error) { return m.bm.Encode(text) }
func (m *Model) Decode(ids []int32) (string, error)  { return m.bm.Decode(ids) }

// Close closes every instance and then the backend model. Calling it again
// is a no-op.
func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	instances := make([]*Instance, 0, len(m.instances))
	for in := range m.instances {
		instances = append(instances, in)
	}
	clear(m.instances)
	m.mu.Unlock()

	var errs []error
	for _, in := range instances {
		errs = append(errs, in.shutdown())
	}
	errs = append(errs, func() (err error) {
		defer errdefs.Recover("close model", &err)
		return m.bm.Close()
	}())
	m.opts.log.Debug("model closed", "instances", len(instances))
	return errors.Join(errs...)
}
