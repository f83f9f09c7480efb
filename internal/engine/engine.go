// Package engine manages the lifecycle of a loaded model and the requests
// issued against it.
//
// An Engine becomes ready only after the backend model is loaded and every
// tensor-parallel rank has been built. Close clears readiness first, cancels
// in-flight requests and waits for them to leave before releasing the model,
// so a racing Generate either completes or fails with ErrNotReady.
package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/logger"
	"github.com/samcharles93/keel/internal/metrics"
)

type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type Engine struct {
	cfg     Config
	be      backend.Backend
	model   backend.Model
	log     logger.Logger
	metrics *metrics.Metrics

	ready  atomic.Bool
	state  atomic.Int32
	nextID atomic.Int64

	reqMu  sync.Mutex
	active map[int64]*activeRequest

	// life is held shared by every backend call and exclusively by Close.
	life sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

type activeRequest struct {
	cancel  context.CancelFunc
	started time.Time
}

// New validates cfg, loads the model through be and builds every rank.
// On failure nothing is left allocated and no engine is returned.
func New(ctx context.Context, cfg Config, be backend.Backend, opts ...Option) (*Engine, error) {
	if be == nil {
		return nil, errdefs.InvalidParams("backend is nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		be:     be,
		log:    logger.Discard(),
		active: make(map[int64]*activeRequest),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("model", cfg.ModelPath, "backend", be.Name())
	e.state.Store(int32(StateInitializing))

	done := e.metrics.Begin(metrics.OpLoad)
	model, err := e.load(ctx)
	done(err)
	if err != nil {
		e.state.Store(int32(StateDestroyed))
		e.log.Error("engine init failed", "error", err)
		return nil, err
	}
	e.model = model

	e.state.Store(int32(StateReady))
	e.ready.Store(true)
	e.metrics.EngineUp()
	e.log.Info("engine ready", "tp", cfg.TensorParallel, "session_len", cfg.SessionLen, "max_batch_size", cfg.MaxBatchSize)
	return e, nil
}

func (e *Engine) load(ctx context.Context) (model backend.Model, err error) {
	defer errdefs.Recover("load model", &err)

	model, err = e.be.LoadModel(ctx, e.cfg.modelSpec())
	if err != nil {
		return nil, errdefs.Backend("load model", err)
	}
	for rank := range e.cfg.TensorParallel {
		device := e.cfg.DeviceID + rank
		if err = buildRank(model, device, rank); err != nil {
			err = errors.Join(errdefs.Backend("build weights", err), closeModel(model))
			return nil, err
		}
		e.log.Debug("rank built", "rank", rank, "device", device)
	}
	return model, nil
}

func buildRank(m backend.Model, device, rank int) (err error) {
	defer errdefs.Recover("build weights", &err)
	if err := m.CreateSharedWeights(device, rank); err != nil {
		return err
	}
	if err := m.ProcessWeights(device, rank); err != nil {
		return err
	}
	return m.CreateEngine(device, rank)
}

func closeModel(m backend.Model) (err error) {
	defer errdefs.Recover("close model", &err)
	return m.Close()
}

// IsReady reports whether e accepts requests. It never blocks and is safe on
// a nil Engine.
func (e *Engine) IsReady() bool {
	return e != nil && e.ready.Load()
}

func (e *Engine) State() State {
	if e == nil {
		return StateDestroyed
	}
	return State(e.state.Load())
}

func (e *Engine) Config() Config { return e.cfg }

// BackendVersion reports the version string of the backend serving e.
func (e *Engine) BackendVersion() string { return e.be.Version() }

// acquire admits a backend call. On success the caller must call e.release.
func (e *Engine) acquire() error {
	if !e.IsReady() {
		return errdefs.NotReady("engine is not ready")
	}
	e.life.RLock()
	if !e.ready.Load() {
		e.life.RUnlock()
		return errdefs.NotReady("engine is shutting down")
	}
	return nil
}

func (e *Engine) release() { e.life.RUnlock() }

// ModelInfo describes the loaded model.
func (e *Engine) ModelInfo() (backend.ModelInfo, error) {
	if e == nil {
		return backend.ModelInfo{}, errdefs.InvalidParams("engine is nil")
	}
	if err := e.acquire(); err != nil {
		return backend.ModelInfo{}, err
	}
	defer e.release()
	return e.model.Info(), nil
}

// ActiveRequests returns the ids of requests currently in flight.
func (e *Engine) ActiveRequests() []int64 {
	if e == nil {
		return nil
	}
	e.reqMu.Lock()
	ids := make([]int64, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.reqMu.Unlock()
	slices.Sort(ids)
	return ids
}

// Close tears the engine down. It is safe to call more than once and on a nil
// Engine; later calls return the first call's result.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		wasReady := e.ready.Swap(false)
		e.state.Store(int32(StateShuttingDown))

		e.reqMu.Lock()
		n := len(e.active)
		for _, r := range e.active {
			r.cancel()
		}
		e.reqMu.Unlock()
		if n > 0 {
			e.log.Warn("cancelling in-flight requests", "count", n)
		}

		e.life.Lock()
		e.reqMu.Lock()
		clear(e.active)
		e.reqMu.Unlock()
		if e.model != nil {
			e.closeErr = closeModel(e.model)
		}
		e.life.Unlock()

		e.state.Store(int32(StateDestroyed))
		if wasReady {
			e.metrics.EngineDown()
		}
		e.log.Info("engine destroyed")
	})
	return e.closeErr
}
