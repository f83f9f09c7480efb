package capi

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/keel/internal/engine"
	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/handle"
	"github.com/samcharles93/keel/internal/metrics"
)

// Config mirrors engine.Config with the wire types of the handle API.
type Config struct {
	ModelPath           string
	ModelFormat         string
	TP                  int
	SessionLen          int
	MaxBatchSize        int
	QuantPolicy         int
	CacheMaxEntryCount  float32
	EnablePrefixCaching bool
	RopeScalingFactor   float32
	// RopeScalingType is 0 none, 1 linear, 2 dynamic, 3 yarn.
	RopeScalingType int
	WeightType      string
	DeviceID        int
	// Backend names a registered backend. Empty defers to KEEL_BACKEND.
	Backend string
}

var ropeTypes = [...]string{"none", "linear", "dynamic", "yarn"}

func (c *Config) engineConfig() (engine.Config, error) {
	if c.RopeScalingType < 0 || c.RopeScalingType >= len(ropeTypes) {
		return engine.Config{}, errdefs.InvalidConfig("rope_scaling_type %d is not one of 0-%d", c.RopeScalingType, len(ropeTypes)-1)
	}
	return engine.Config{
		ModelPath:           c.ModelPath,
		ModelFormat:         c.ModelFormat,
		TensorParallel:      c.TP,
		SessionLen:          c.SessionLen,
		MaxBatchSize:        c.MaxBatchSize,
		QuantPolicy:         c.QuantPolicy,
		CacheMaxEntryCount:  float64(c.CacheMaxEntryCount),
		EnablePrefixCaching: c.EnablePrefixCaching,
		RopeScalingFactor:   float64(c.RopeScalingFactor),
		RopeScalingType:     ropeTypes[c.RopeScalingType],
		WeightType:          c.WeightType,
		DeviceID:            c.DeviceID,
	}, nil
}

// RequestParams is one generation request. StopWords is a JSON array of
// strings, or empty.
type RequestParams struct {
	RequestID         int64
	Prompt            string
	MaxNewTokens      int
	Temperature       float32
	TopP              float32
	TopK              int
	RepetitionPenalty float32
	Seed              int64
	Stream            bool
	StopWords         string
}

func (p *RequestParams) request() (*engine.Request, error) {
	if p == nil {
		return nil, errdefs.InvalidParams("request is nil")
	}
	var stop []string
	if p.StopWords != "" {
		if err := json.Unmarshal([]byte(p.StopWords), &stop); err != nil {
			return nil, errdefs.InvalidParams("stop_words must be a JSON array of strings: %v", err)
		}
	}
	return &engine.Request{
		RequestID:         p.RequestID,
		Prompt:            p.Prompt,
		MaxNewTokens:      p.MaxNewTokens,
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		TopK:              p.TopK,
		RepetitionPenalty: p.RepetitionPenalty,
		Seed:              p.Seed,
		StopWords:         stop,
		Stream:            p.Stream,
	}, nil
}

// ResponseData is filled by a successful Generate or GenerateBatch item and
// released with FreeResponse. Failed calls leave it untouched, so ErrorCode
// and ErrorMessage stay zero on every filled response.
type ResponseData struct {
	RequestID    int64
	Text         string
	InputTokens  int
	OutputTokens int
	Finished     bool
	ErrorCode    int
	ErrorMessage string

	freed bool
}

func (r *ResponseData) set(resp *engine.Response) {
	*r = ResponseData{
		RequestID:    resp.RequestID,
		Text:         resp.Text,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Finished:     resp.Finished,
	}
}

// FreeResponse releases the strings held by r. It is safe to call twice.
func FreeResponse(r *ResponseData) {
	if r == nil || r.freed {
		return
	}
	r.Text = ""
	r.ErrorMessage = ""
	r.freed = true
}

// ModelInfo is filled by GetModelInfo and released with FreeModelInfo.
type ModelInfo struct {
	ModelName             string
	ModelType             string
	VocabSize             int
	HiddenSize            int
	NumLayers             int
	MaxPositionEmbeddings int

	freed bool
}

// FreeModelInfo releases the strings held by info. It is safe to call twice.
func FreeModelInfo(info *ModelInfo) {
	if info == nil || info.freed {
		return
	}
	info.ModelName = ""
	info.ModelType = ""
	info.freed = true
}

func getEngine(h EngineHandle) (*engine.Engine, error) {
	e, err := engines.Get(handle.Handle(h))
	if err != nil {
		return nil, invalidHandle("engine")
	}
	return e, nil
}

// CreateEngine loads the model described by cfg and returns a ready engine,
// or the null handle.
func CreateEngine(cfg *Config) EngineHandle {
	if cfg == nil {
		fail("create_engine", errdefs.InvalidParams("config is nil"))
		return 0
	}
	ec, err := cfg.engineConfig()
	if err != nil {
		fail("create_engine", err)
		return 0
	}
	be, err := newBackend(cfg.Backend)
	if err != nil {
		fail("create_engine", err)
		return 0
	}
	e, err := engine.New(context.Background(), ec, be,
		engine.WithLogger(lg()),
		engine.WithMetrics(metrics.Default()),
	)
	if err != nil {
		fail("create_engine", err)
		return 0
	}
	return EngineHandle(engines.Put(e))
}

// DestroyEngine shuts the engine down, waiting for calls in flight.
func DestroyEngine(h EngineHandle) {
	e, ok := engines.Release(handle.Handle(h))
	if !ok {
		return
	}
	if err := e.Close(); err != nil {
		fail("destroy_engine", err)
	}
}

// IsEngineReady reports false for the null handle and for engines that are
// shutting down.
func IsEngineReady(h EngineHandle) bool {
	e, err := getEngine(h)
	if err != nil {
		fail("is_engine_ready", err)
		return false
	}
	return e.IsReady()
}

// Generate runs req to completion and fills resp. On failure resp is left
// as it was and the error is only reported through the last-error slot.
func Generate(h EngineHandle, req *RequestParams, resp *ResponseData) int {
	if resp == nil {
		return status("generate", errdefs.InvalidParams("response is nil"))
	}
	err := func() error {
		e, err := getEngine(h)
		if err != nil {
			return err
		}
		r, err := req.request()
		if err != nil {
			return err
		}
		out, err := e.Generate(context.Background(), r, nil)
		if err != nil {
			return err
		}
		resp.set(out)
		return nil
	}()
	return status("generate", err)
}

// GenerateAsync is reserved and always fails.
func GenerateAsync(h EngineHandle, req *RequestParams) int64 {
	e, err := getEngine(h)
	if err == nil {
		var r *engine.Request
		if r, err = req.request(); err == nil {
			_, err = e.GenerateAsync(context.Background(), r)
		}
	}
	if err == nil {
		err = errdefs.NotImplemented("generate_async")
	}
	fail("generate_async", err)
	return -1
}

// GetResponse is reserved and always fails without touching resp.
func GetResponse(h EngineHandle, requestID int64, resp *ResponseData) int {
	e, err := getEngine(h)
	if err == nil {
		_, err = e.GetResponse(context.Background(), requestID)
	}
	if err == nil {
		err = errdefs.NotImplemented("get_response")
	}
	return status("get_response", err)
}

// GenerateBatch runs reqs in order and stops at the first failure. resps
// must be at least as long as reqs. Entries before the failed one hold their
// results; the failed one and everything after it are left untouched.
func GenerateBatch(h EngineHandle, reqs []RequestParams, resps []ResponseData) int {
	e, err := getEngine(h)
	if err != nil {
		return status("generate_batch", err)
	}
	if len(resps) < len(reqs) {
		return status("generate_batch", errdefs.InvalidParams("%d responses for %d requests", len(resps), len(reqs)))
	}

	batch := make([]*engine.Request, 0, len(reqs))
	var convErr error
	for i := range reqs {
		r, err := reqs[i].request()
		if err != nil {
			convErr = &engine.BatchError{Index: i, Err: err}
			break
		}
		batch = append(batch, r)
	}

	var out []*engine.Response
	if len(batch) > 0 || convErr == nil {
		out, err = e.GenerateBatch(context.Background(), batch)
	}
	if err == nil {
		err = convErr
	}
	for i, r := range out {
		resps[i].set(r)
	}
	return status("generate_batch", err)
}

// GetModelInfo fills info from the engine's model.
func GetModelInfo(h EngineHandle, info *ModelInfo) int {
	if info == nil {
		return status("get_model_info", errdefs.InvalidParams("model info is nil"))
	}
	e, err := getEngine(h)
	if err != nil {
		return status("get_model_info", err)
	}
	mi, err := e.ModelInfo()
	if err != nil {
		return status("get_model_info", err)
	}
	*info = ModelInfo{
		ModelName:             mi.Name,
		ModelType:             mi.Type,
		VocabSize:             mi.VocabSize,
		HiddenSize:            mi.HiddenSize,
		NumLayers:             mi.NumLayers,
		MaxPositionEmbeddings: mi.MaxPositionEmbeddings,
	}
	return 0
}
