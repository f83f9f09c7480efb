package engine

import (
	"context"
	"errors"
	"time"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/metrics"
)

// Sampling defaults applied to non-positive request fields.
const (
	DefaultMaxNewTokens      = 512
	DefaultTemperature       = 0.7
	DefaultTopP              = 0.8
	DefaultTopK              = 40
	DefaultRepetitionPenalty = 1.0
)

type Request struct {
	// RequestID is honored when positive; otherwise the engine assigns one.
	RequestID         int64    `json:"request_id,omitempty"`
	Prompt            string   `json:"prompt"`
	MaxNewTokens      int      `json:"max_new_tokens,omitempty"`
	Temperature       float32  `json:"temperature,omitempty"`
	TopP              float32  `json:"top_p,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	RepetitionPenalty float32  `json:"repetition_penalty,omitempty"`
	Seed              int64    `json:"seed,omitempty"`
	StopWords         []string `json:"stop_words,omitempty"`
	// Stream enables the StreamFunc passed to Generate.
	Stream bool `json:"stream,omitempty"`
}

type Response struct {
	RequestID    int64         `json:"request_id"`
	Text         string        `json:"text"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Finished     bool          `json:"finished"`
	FinishReason string        `json:"finish_reason,omitempty"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// StreamFunc receives generated text pieces in order.
type StreamFunc = backend.StreamFunc

// sampling resolves the request's sampling fields against the defaults.
// A zero seed becomes the request id so distinct requests diverge while a
// repeated id reproduces its output.
func (r *Request) sampling(id int64) backend.SamplingConfig {
	sc := backend.SamplingConfig{
		MaxNewTokens:      r.MaxNewTokens,
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		TopK:              r.TopK,
		RepetitionPenalty: r.RepetitionPenalty,
		Seed:              r.Seed,
	}
	if sc.MaxNewTokens <= 0 {
		sc.MaxNewTokens = DefaultMaxNewTokens
	}
	if sc.Temperature <= 0 {
		sc.Temperature = DefaultTemperature
	}
	if sc.TopP <= 0 || sc.TopP > 1 {
		sc.TopP = DefaultTopP
	}
	if sc.TopK <= 0 {
		sc.TopK = DefaultTopK
	}
	if sc.RepetitionPenalty <= 0 {
		sc.RepetitionPenalty = DefaultRepetitionPenalty
	}
	if sc.Seed == 0 {
		sc.Seed = id
	}
	return sc
}

// Generate runs one request to completion. stream, when non-nil and
// req.Stream is set, sees the text as it is produced.
func (e *Engine) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Response, error) {
	if e == nil {
		return nil, errdefs.InvalidParams("engine is nil")
	}
	if req == nil {
		e.metrics.Reject(metrics.OpGenerate, errdefs.ErrInvalidParams)
		return nil, errdefs.InvalidParams("request is nil")
	}
	if err := e.acquire(); err != nil {
		e.metrics.Reject(metrics.OpGenerate, err)
		return nil, err
	}
	defer e.release()
	return e.generate(ctx, req, stream)
}

func (e *Engine) generate(ctx context.Context, req *Request, stream StreamFunc) (*Response, error) {
	if req.Prompt == "" {
		err := errdefs.InvalidParams("prompt is empty")
		e.metrics.Reject(metrics.OpGenerate, err)
		return nil, err
	}

	id, ctx, unregister, err := e.register(ctx, req.RequestID)
	if err != nil {
		e.metrics.Reject(metrics.OpGenerate, err)
		return nil, err
	}
	defer unregister()

	log := e.log.With("request_id", id)
	log.Debug("generate start", "prompt_bytes", len(req.Prompt))

	if !req.Stream {
		stream = nil
	}
	breq := &backend.GenerateRequest{
		ID:        id,
		Prompt:    req.Prompt,
		Sampling:  req.sampling(id),
		StopWords: req.StopWords,
	}

	start := time.Now()
	done := e.metrics.Begin(metrics.OpGenerate)
	res, err := e.callGenerate(ctx, breq, stream)
	if err != nil && !e.ready.Load() && errors.Is(err, context.Canceled) {
		err = errdefs.NotReady("engine shut down during request %d", id)
	}
	done(err)
	if err != nil {
		log.Warn("generate failed", "error", err)
		return nil, err
	}
	e.metrics.Tokens(res.InputTokens, res.OutputTokens)

	resp := &Response{
		RequestID:    id,
		Text:         res.Text,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Finished:     true,
		FinishReason: res.FinishReason,
		ErrorCode:    errdefs.CodeOK,
		Duration:     time.Since(start),
	}
	log.Debug("generate done", "output_tokens", resp.OutputTokens, "duration", resp.Duration)
	return resp, nil
}

func (e *Engine) callGenerate(ctx context.Context, req *backend.GenerateRequest, stream StreamFunc) (res *backend.GenerateResult, err error) {
	defer errdefs.Recover("generate", &err)
	res, err = e.model.Generate(ctx, req, stream)
	if err != nil {
		return nil, errdefs.Backend("generate", err)
	}
	if res == nil {
		return nil, errdefs.Backend("generate", errors.New("backend returned no result"))
	}
	return res, nil
}

// register records a request as in flight and returns its id, a context
// cancelled by Close, and the func that removes the record. It refuses new
// requests once Close has started, including items of a running batch.
func (e *Engine) register(ctx context.Context, want int64) (int64, context.Context, func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	// Close clears ready before it cancels what is registered here.
	if !e.ready.Load() {
		cancel()
		return 0, nil, nil, errdefs.NotReady("engine is shutting down")
	}
	id := want
	if id > 0 {
		if _, dup := e.active[id]; dup {
			cancel()
			return 0, nil, nil, errdefs.InvalidParams("request %d is already in flight", id)
		}
	} else {
		for {
			id = e.nextID.Add(1)
			if _, taken := e.active[id]; !taken {
				break
			}
		}
	}
	e.active[id] = &activeRequest{cancel: cancel, started: time.Now()}

	return id, ctx, func() {
		e.reqMu.Lock()
		delete(e.active, id)
		e.reqMu.Unlock()
		cancel()
	}, nil
}

// GenerateBatch runs reqs in order and stops at the first failure. It
// returns the responses of the items that completed and, on failure, a
// *BatchError naming the failed index. Completed items are not rolled back
// and failed ones are not retried; resubmitting the tail is up to the caller.
func (e *Engine) GenerateBatch(ctx context.Context, reqs []*Request) ([]*Response, error) {
	if e == nil {
		return nil, errdefs.InvalidParams("engine is nil")
	}
	if len(reqs) == 0 {
		return nil, errdefs.InvalidParams("batch is empty")
	}
	if len(reqs) > e.cfg.MaxBatchSize {
		return nil, errdefs.InvalidParams("batch of %d exceeds max_batch_size %d", len(reqs), e.cfg.MaxBatchSize)
	}
	if err := e.acquire(); err != nil {
		e.metrics.Reject(metrics.OpBatch, err)
		return nil, err
	}
	defer e.release()

	done := e.metrics.Begin(metrics.OpBatch)
	out := make([]*Response, 0, len(reqs))
	for i, r := range reqs {
		var (
			resp *Response
			err  error
		)
		if r == nil {
			err = errdefs.InvalidParams("request is nil")
		} else {
			resp, err = e.generate(ctx, r, nil)
		}
		if err != nil {
			berr := &BatchError{Index: i, Err: err}
			done(berr)
			e.log.Warn("batch stopped", "index", i, "completed", len(out), "error", err)
			return out, berr
		}
		out = append(out, resp)
	}
	done(nil)
	return out, nil
}

// GenerateAsync is reserved for non-blocking dispatch. It always fails with
// ErrNotImplemented.
func (e *Engine) GenerateAsync(ctx context.Context, req *Request) (int64, error) {
	return 0, errdefs.NotImplemented("generate_async")
}

// GetResponse is reserved for retrieving an async result. It always fails
// with ErrNotImplemented.
func (e *Engine) GetResponse(ctx context.Context, requestID int64) (*Response, error) {
	return nil, errdefs.NotImplemented("get_response")
}
