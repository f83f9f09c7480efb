// Package fake provides a scriptable in-memory backend for tests. It never
// touches the filesystem: any model path loads.
package fake

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/tensor"
)

func init() {
	backend.Register(backend.Fake, func(backend.Options) (backend.Backend, error) {
		return New(), nil
	})
}

// Backend records every load and hands out Models built by NewModel.
type Backend struct {
	Devices int
	// LoadErr fails LoadModel; LoadPanic makes it panic.
	LoadErr   error
	LoadPanic any
	// Configure, when set, adjusts each Model before it is returned.
	Configure func(*Model)

	mu     sync.Mutex
	loads  []backend.ModelSpec
	models []*Model
}

func New() *Backend { return &Backend{Devices: 2} }

func (b *Backend) Name() string     { return backend.Fake }
func (b *Backend) Version() string  { return "fake-1" }
func (b *Backend) DeviceCount() int { return b.Devices }

func (b *Backend) LoadModel(ctx context.Context, spec backend.ModelSpec) (backend.Model, error) {
	if b.LoadPanic != nil {
		panic(b.LoadPanic)
	}
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := NewModel(spec)
	if b.Configure != nil {
		b.Configure(m)
	}
	b.mu.Lock()
	b.loads = append(b.loads, spec)
	b.models = append(b.models, m)
	b.mu.Unlock()
	return m, nil
}

// Loads returns the specs passed to LoadModel so far.
func (b *Backend) Loads() []backend.ModelSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.loads)
}

// Models returns every model loaded so far.
func (b *Backend) Models() []*Model {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.models)
}

// Model answers Generate by echoing the prompt and Forward by echoing
// input_ids, unless the hooks replace that behavior.
type Model struct {
	Spec      backend.ModelSpec
	ModelInfo backend.ModelInfo

	// StageErr fails the named weight step: "shared", "process" or "engine".
	StageErr map[string]error
	// GenerateFunc replaces the default echo generation.
	GenerateFunc func(ctx context.Context, req *backend.GenerateRequest, stream backend.StreamFunc) (*backend.GenerateResult, error)
	// ForwardFunc replaces the default forward.
	ForwardFunc func(ctx context.Context, req *backend.ForwardRequest) (*backend.ForwardResponse, error)
	CloseErr    error

	mu        sync.Mutex
	calls     []string
	closed    int
	instances []*Instance
}

func NewModel(spec backend.ModelSpec) *Model {
	return &Model{
		Spec: spec,
		ModelInfo: backend.ModelInfo{
			Name:                  "fake",
			Type:                  "llm",
			VocabSize:             32000,
			HiddenSize:            4096,
			NumLayers:             32,
			MaxPositionEmbeddings: 4096,
			EOSID:                 2,
		},
	}
}

func (m *Model) record(format string, args ...any) {
	m.mu.Lock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
	m.mu.Unlock()
}

// Calls returns the recorded call log.
func (m *Model) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Closed reports how many times Close ran.
func (m *Model) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Model) Info() backend.ModelInfo { return m.ModelInfo }
func (m *Model) TensorParaSize() int     { return max(m.Spec.TensorParallel, 1) }
func (m *Model) PipelineParaSize() int   { return max(m.Spec.PipelineParallel, 1) }

func (m *Model) stage(name string, device, rank int) error {
	m.record("%s(%d,%d)", name, device, rank)
	return m.StageErr[name]
}

func (m *Model) CreateSharedWeights(device, rank int) error {
	return m.stage("shared", device, rank)
}

func (m *Model) ProcessWeights(device, rank int) error {
	return m.stage("process", device, rank)
}

func (m *Model) CreateEngine(device, rank int) error {
	return m.stage("engine", device, rank)
}

func (m *Model) NewInstance(device int) (backend.Instance, error) {
	m.record("instance(%d)", device)
	in := &Instance{m: m, ended: map[uint64]int{}}
	m.mu.Lock()
	m.instances = append(m.instances, in)
	m.mu.Unlock()
	return in, nil
}

func (m *Model) Generate(ctx context.Context, req *backend.GenerateRequest, stream backend.StreamFunc) (*backend.GenerateResult, error) {
	m.record("generate(%d)", req.ID)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req, stream)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(req.Prompt)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if req.Sampling.MaxNewTokens > 0 && len(out) == req.Sampling.MaxNewTokens {
			break
		}
		out = append(out, w)
		if stream != nil {
			stream(w + " ")
		}
	}
	return &backend.GenerateResult{
		Text:         strings.Join(out, " "),
		InputTokens:  len(words),
		OutputTokens: len(out),
		FinishReason: "stop",
	}, nil
}

func (m *Model) Encode(text string) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for _, r := range text {
		ids = append(ids, int32(r))
	}
	return ids, nil
}

func (m *Model) Decode(ids []int32) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		b.WriteRune(rune(id))
	}
	return b.String(), nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	m.record("close")
	return m.CloseErr
}

// Instance echoes input_ids unless the model's ForwardFunc says otherwise.
type Instance struct {
	m *Model

	mu        sync.Mutex
	ended     map[uint64]int
	cancelled int
	closed    bool
}

func (in *Instance) Forward(ctx context.Context, req *backend.ForwardRequest) (*backend.ForwardResponse, error) {
	in.m.record("forward(%d,%d)", req.Session.ID, req.Session.Step)
	if in.m.ForwardFunc != nil {
		return in.m.ForwardFunc(ctx, req)
	}
	if req.Session.Kill {
		return &backend.ForwardResponse{Outputs: tensor.NewMap(), Cancelled: true}, nil
	}
	ids, err := req.Inputs.Get("input_ids")
	if err != nil {
		return nil, err
	}
	defer ids.Close()
	vals, err := ids.Int32s()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if req.OnToken != nil {
			req.OnToken(v)
		}
	}

	out := tensor.NewMap()
	echo, err := tensor.FromInt32s([]int64{1, int64(len(vals))}, vals)
	if err != nil {
		return nil, err
	}
	defer echo.Close()
	seq, _ := tensor.FromInt32s([]int64{1}, []int32{int32(len(vals))})
	defer seq.Close()
	if err := out.Set("output_ids", echo); err != nil {
		return nil, err
	}
	if err := out.Set("sequence_length", seq); err != nil {
		return nil, err
	}
	return &backend.ForwardResponse{Outputs: out, SeqLen: len(vals)}, nil
}

func (in *Instance) End(id uint64) error {
	in.m.record("end(%d)", id)
	in.mu.Lock()
	in.ended[id]++
	in.mu.Unlock()
	return nil
}

func (in *Instance) Cancel() {
	in.m.record("cancel")
	in.mu.Lock()
	in.cancelled++
	in.mu.Unlock()
}

func (in *Instance) Close() error {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	return nil
}

// Ended reports how many times End ran for id.
func (in *Instance) Ended(id uint64) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ended[id]
}

// Cancelled reports how many times Cancel ran.
func (in *Instance) Cancelled() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cancelled
}

// Instances returns the instances created so far.
func (m *Model) Instances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.instances)
}
