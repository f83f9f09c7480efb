package reference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/logger"
	"github.com/samcharles93/keel/internal/logits"
)

type stage int

const (
	stageNone stage = iota
	stageShared
	stageProcessed
	stageEngine
)

func (s stage) String() string {
	switch s {
	case stageShared:
		return "shared weights created"
	case stageProcessed:
		return "weights processed"
	case stageEngine:
		return "engine created"
	default:
		return "not created"
	}
}

var (
	errClosed   = errors.New("model closed")
	errNotBuilt = errors.New("model engine not created")
)

type Model struct {
	cfg        modelConfig
	spec       backend.ModelSpec
	tp, pp     int
	weightType string
	log        logger.Logger
	lm         *toyLM
	eos        []int32
	banned     []int32

	mu      sync.Mutex
	stages  []stage
	devices []int
	closed  bool
}

func newModel(cfg modelConfig, spec backend.ModelSpec, tp, pp int, wt string, log logger.Logger) *Model {
	m := &Model{
		cfg:        cfg,
		spec:       spec,
		tp:         tp,
		pp:         pp,
		weightType: wt,
		log:        log.With("model", cfg.Name),
		eos:        cfg.eosIDs(),
		stages:     make([]stage, tp*pp),
		devices:    make([]int, tp*pp),
	}
	m.banned = unprintable(cfg.VocabSize, m.eos)
	return m
}

func (m *Model) Info() backend.ModelInfo {
	return backend.ModelInfo{
		Name:                  m.cfg.Name,
		Type:                  m.cfg.ModelType,
		VocabSize:             m.cfg.VocabSize,
		HiddenSize:            m.cfg.HiddenSize,
		NumLayers:             m.cfg.NumLayers,
		MaxPositionEmbeddings: m.cfg.MaxPositions,
		EOSID:                 m.eos[0],
	}
}

func (m *Model) TensorParaSize() int   { return m.tp }
func (m *Model) PipelineParaSize() int { return m.pp }

// advance moves rank from want to want+1.
func (m *Model) advance(device, rank int, want stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if rank < 0 || rank >= len(m.stages) {
		return fmt.Errorf("rank %d out of range [0, %d)", rank, len(m.stages))
	}
	if device < 0 {
		return fmt.Errorf("invalid device %d", device)
	}
	if got := m.stages[rank]; got != want {
		return fmt.Errorf("rank %d: %s, expected %s", rank, got, want)
	}
	if want != stageNone && m.devices[rank] != device {
		return fmt.Errorf("rank %d lives on device %d, not %d", rank, m.devices[rank], device)
	}
	m.devices[rank] = device
	m.stages[rank] = want + 1
	if want+1 == stageEngine && m.lm == nil && m.allBuiltLocked() {
		m.lm = newToyLM(m.cfg.VocabSize, m.cfg.HiddenSize, m.cfg.NumLayers, m.cfg.Seed)
	}
	m.log.Debug("weights advanced", "rank", rank, "device", device, "stage", (want + 1).String())
	return nil
}

func (m *Model) CreateSharedWeights(device, rank int) error {
	return m.advance(device, rank, stageNone)
}

func (m *Model) ProcessWeights(device, rank int) error {
	return m.advance(device, rank, stageShared)
}

func (m *Model) CreateEngine(device, rank int) error {
	return m.advance(device, rank, stageProcessed)
}

func (m *Model) allBuiltLocked() bool {
	for _, s := range m.stages {
		if s != stageEngine {
			return false
		}
	}
	return true
}

// runtime returns the network once every rank has an engine.
func (m *Model) runtime() (*toyLM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	if m.lm == nil {
		return nil, errNotBuilt
	}
	return m.lm, nil
}

func (m *Model) NewInstance(device int) (backend.Instance, error) {
	if _, err := m.runtime(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	onDevice := slices.Contains(m.devices, device)
	m.mu.Unlock()
	if !onDevice {
		return nil, fmt.Errorf("no rank of this model runs on device %d", device)
	}
	return &Instance{m: m, device: device, sessions: make(map[uint64]*sessionState)}, nil
}

func (m *Model) Encode(text string) ([]int32, error) { return encode(text), nil }
func (m *Model) Decode(ids []int32) (string, error)  { return decode(ids), nil }

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.lm = nil
	return nil
}

func (m *Model) Generate(ctx context.Context, req *backend.GenerateRequest, stream backend.StreamFunc) (*backend.GenerateResult, error) {
	lm, err := m.runtime()
	if err != nil {
		return nil, err
	}

	ids := encode(req.Prompt)
	room := m.spec.SessionLen - len(ids)
	if room <= 0 {
		return nil, fmt.Errorf("prompt of %d tokens does not fit session length %d", len(ids), m.spec.SessionLen)
	}
	limit := room
	if req.Sampling.MaxNewTokens > 0 {
		limit = min(limit, req.Sampling.MaxNewTokens)
	}

	st := lm.newState()
	var last []float32
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		last = lm.step(st, id)
	}

	sf := newStopFilter(req.StopWords)
	send := func(text string) {
		if stream != nil && text != "" {
			stream(text)
		}
	}
	res, err := m.decode(ctx, lm, st, last, decodeParams{
		sampling: req.Sampling,
		limit:    limit,
		emit: func(id int32) bool {
			text, stop := sf.push(decode([]int32{id}))
			send(text)
			return stop
		},
	})
	if err != nil {
		return nil, err
	}
	// Nothing is pending after a stop word, so this only releases a held
	// prefix that never completed.
	send(sf.flush())
	return &backend.GenerateResult{
		Text:         sf.Text(),
		InputTokens:  len(ids),
		OutputTokens: sf.Tokens(),
		FinishReason: res.reason,
	}, nil
}

type decodeParams struct {
	sampling backend.SamplingConfig
	limit    int
	// cancelled is polled before every step.
	cancelled func() bool
	// emit sees each accepted token and returns true to stop.
	emit func(id int32) bool
}

type decodeResult struct {
	ids      []int32
	logprobs []float32
	logits   []float32
	reason   string
}

const (
	finishLength    = "length"
	finishStop      = "stop"
	finishCancelled = "cancelled"
)

func (m *Model) decode(ctx context.Context, lm *toyLM, st *state, last []float32, p decodeParams) (decodeResult, error) {
	sc := p.sampling
	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:          sc.Seed,
		Temperature:   sc.Temperature,
		TopK:          sc.TopK,
		TopP:          sc.TopP,
		MinP:          sc.MinP,
		RepeatPenalty: sc.RepetitionPenalty,
	})
	eos := append(slices.Clone(m.eos), sc.EosIDs...)
	stops := append(slices.Clone(eos), sc.StopIDs...)
	always := append(slices.Clone(m.banned), sc.BadIDs...)
	early := append(slices.Clone(always), stops...)

	res := decodeResult{logits: last, reason: finishLength}
	for i := 0; i < p.limit; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.cancelled != nil && p.cancelled() {
			res.reason = finishCancelled
			return res, nil
		}

		work := slices.Clone(last)
		banned := always
		if i < sc.MinNewTokens {
			banned = early
		}
		id := sampler.Sample(work, st.tokens, banned)
		if slices.Contains(stops, id) {
			res.reason = finishStop
			break
		}
		res.ids = append(res.ids, id)
		if sc.OutputLogprobs {
			res.logprobs = append(res.logprobs, logits.LogProb(last, id))
		}
		last = lm.step(st, id)
		res.logits = last
		if p.emit != nil && p.emit(id) {
			res.reason = finishStop
			break
		}
	}
	return res, nil
}
