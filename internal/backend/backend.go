// Package backend defines the contract between keel and an inference
// backend. Model loading, tokenization and the forward pass live behind these
// interfaces; keel owns handles, lifecycle and request bookkeeping.
package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/keel/internal/logger"
	"github.com/samcharles93/keel/internal/tensor"
)

const (
	Reference = "reference"
	Fake      = "fake"
	Auto      = "auto"
)

// ErrUnknown is returned by New for a name nobody registered.
var ErrUnknown = errors.New("unknown backend")

// Backend loads models.
type Backend interface {
	Name() string
	Version() string
	DeviceCount() int
	LoadModel(ctx context.Context, spec ModelSpec) (Model, error)
}

// ModelSpec is everything a backend needs to open a model directory.
type ModelSpec struct {
	Path             string
	Format           string
	WeightType       string
	TensorParallel   int
	PipelineParallel int
	SessionLen       int
	MaxBatchSize     int
	QuantPolicy      int
	CacheMaxEntry    float64
	PrefixCaching    bool
	RopeScaling      float64
	RopeScalingType  string
	DeviceID         int
	// ConfigOverride is an optional YAML or JSON document merged over the
	// model directory's own config.
	ConfigOverride string
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Name                  string
	Type                  string
	VocabSize             int
	HiddenSize            int
	NumLayers             int
	MaxPositionEmbeddings int
	EOSID                 int32
}

// Model is a loaded model. Weights go through three steps per rank before the
// model can serve requests: CreateSharedWeights, ProcessWeights, CreateEngine.
type Model interface {
	Info() ModelInfo
	TensorParaSize() int
	PipelineParaSize() int

	CreateSharedWeights(device, rank int) error
	ProcessWeights(device, rank int) error
	CreateEngine(device, rank int) error

	NewInstance(device int) (Instance, error)

	Generate(ctx context.Context, req *GenerateRequest, stream StreamFunc) (*GenerateResult, error)
	Encode(text string) ([]int32, error)
	Decode(ids []int32) (string, error)

	Close() error
}

// SamplingConfig is the resolved sampling setup for one request.
type SamplingConfig struct {
	MaxNewTokens      int
	MinNewTokens      int
	EosIDs            []int32
	StopIDs           []int32
	BadIDs            []int32
	TopP              float32
	TopK              int
	MinP              float32
	Temperature       float32
	RepetitionPenalty float32
	Seed              int64

	OutputLogprobs        bool
	OutputLastHiddenState bool
	OutputLogits          bool
}

// StreamFunc receives decoded text pieces as they are produced.
type StreamFunc func(piece string)

type GenerateRequest struct {
	ID        int64
	Prompt    string
	Sampling  SamplingConfig
	StopWords []string
}

type GenerateResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// SessionParam identifies one step of a multi-step session.
type SessionParam struct {
	ID    uint64
	Step  int
	Start bool
	End   bool
	Kill  bool
}

type ForwardRequest struct {
	Inputs   *tensor.Map
	Session  SessionParam
	Sampling SamplingConfig
	Stream   bool
	// OnToken, when set, is called for each generated token id.
	OnToken func(id int32)
}

type ForwardResponse struct {
	Outputs   *tensor.Map
	Cancelled bool
	SeqLen    int
}

// Instance runs forward passes for sessions on one device.
type Instance interface {
	Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error)
	// End drops backend state kept for session id.
	End(id uint64) error
	// Cancel aborts the forward pass currently running, if any.
	Cancel()
	Close() error
}

// Options are passed to a backend factory.
type Options struct {
	Logger logger.Logger
}

// Factory builds a Backend.
type Factory func(opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name. It panics on a duplicate or
// empty name, so call it from an init function.
func Register(name string, f Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == Auto || f == nil {
		panic("backend: invalid registration " + name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("backend: duplicate registration " + name)
	}
	registry[name] = f
}

// Names lists the registered backends.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func Normalize(name string) (string, error) {
	b := strings.ToLower(strings.TrimSpace(name))
	if b == "" || b == Auto {
		return Reference, nil
	}
	registryMu.RLock()
	_, ok := registry[b]
	registryMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w %q (registered: %s)", ErrUnknown, b, strings.Join(Names(), ", "))
	}
	return b, nil
}

// New builds the backend registered under name ("" and "auto" select the
// reference backend).
func New(name string, opts Options) (Backend, error) {
	n, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	f, ok := registry[n]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknown, n)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return f(opts)
}
