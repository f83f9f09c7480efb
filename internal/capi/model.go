package capi

import (
	"context"

	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/handle"
	"github.com/samcharles93/keel/internal/metrics"
	"github.com/samcharles93/keel/internal/session"
)

func getModel(h ModelHandle) (*session.Model, error) {
	m, err := models.Get(handle.Handle(h))
	if err != nil {
		return nil, invalidHandle("model")
	}
	return m, nil
}

func getInstance(h InstanceHandle) (*session.Instance, error) {
	in, err := instances.Get(handle.Handle(h))
	if err != nil {
		return nil, invalidHandle("instance")
	}
	return in, nil
}

// CreateModel opens the model in modelDir. config is a YAML or JSON engine
// config document and may be empty; weightType defaults to "half". The
// backend comes from KEEL_BACKEND.
func CreateModel(modelDir, config, weightType string) ModelHandle {
	be, err := newBackend("")
	if err != nil {
		fail("create_model", err)
		return 0
	}
	m, err := session.Open(context.Background(), be, modelDir, config, weightType,
		session.WithLogger(lg()),
		session.WithMetrics(metrics.Default()),
	)
	if err != nil {
		fail("create_model", err)
		return 0
	}
	return ModelHandle(models.Put(m))
}

// DestroyModel closes the model and every instance created from it. The
// instance handles stay valid until destroyed but every call on them fails.
func DestroyModel(h ModelHandle) {
	m, ok := models.Release(handle.Handle(h))
	if !ok {
		return
	}
	if err := m.Close(); err != nil {
		fail("destroy_model", err)
	}
}

func CreateSharedWeights(h ModelHandle, deviceID, rank int) int {
	m, err := getModel(h)
	if err == nil {
		err = m.CreateSharedWeights(deviceID, rank)
	}
	return status("create_shared_weights", err)
}

func ProcessWeights(h ModelHandle, deviceID, rank int) int {
	m, err := getModel(h)
	if err == nil {
		err = m.ProcessWeights(deviceID, rank)
	}
	return status("process_weights", err)
}

// CreateModelEngine creates the runtime for one rank. Instances can be
// created once every rank has one.
func CreateModelEngine(h ModelHandle, deviceID, rank int) int {
	m, err := getModel(h)
	if err == nil {
		err = m.CreateEngine(deviceID, rank)
	}
	return status("create_engine", err)
}

func CreateModelInstance(h ModelHandle, deviceID int) InstanceHandle {
	m, err := getModel(h)
	if err != nil {
		fail("create_model_instance", err)
		return 0
	}
	in, err := m.CreateInstance(deviceID)
	if err != nil {
		fail("create_model_instance", err)
		return 0
	}
	return InstanceHandle(instances.Put(in))
}

func DestroyModelInstance(h InstanceHandle) {
	in, ok := instances.Release(handle.Handle(h))
	if !ok {
		return
	}
	if err := in.Close(); err != nil {
		fail("destroy_model_instance", err)
	}
}

// GetTensorParaSize returns 0 and sets the last error for an invalid handle.
func GetTensorParaSize(h ModelHandle) int {
	m, err := getModel(h)
	if err != nil {
		fail("get_tensor_para_size", err)
		return 0
	}
	return m.TensorParaSize()
}

func GetPipelineParaSize(h ModelHandle) int {
	m, err := getModel(h)
	if err != nil {
		fail("get_pipeline_para_size", err)
		return 0
	}
	return m.PipelineParaSize()
}

// Session identifies one step of a session.
type Session struct {
	ID        uint64
	Step      int
	StartFlag bool
	EndFlag   bool
	KillFlag  bool
}

// GenerationConfig mirrors session.GenerationConfig. Each id list is paired
// with a count: the first count entries are used. A count larger than the
// list is rejected, and so is a non-empty list with a zero count.
type GenerationConfig struct {
	MaxNewTokens      int
	MinNewTokens      int
	EosIDs            []int32
	EosIDsCount       int
	StopIDs           []int32
	StopIDsCount      int
	BadIDs            []int32
	BadIDsCount       int
	TopP              float32
	TopK              int
	MinP              float32
	Temperature       float32
	RepetitionPenalty float32
	RandomSeed        int64

	OutputLogprobs        bool
	OutputLastHiddenState bool
	OutputLogits          bool
}

// DefaultGenerationConfig returns the defaults of the session path.
func DefaultGenerationConfig() GenerationConfig {
	d := session.DefaultGenerationConfig()
	return GenerationConfig{
		MaxNewTokens:      d.MaxNewTokens,
		MinNewTokens:      d.MinNewTokens,
		TopP:              d.TopP,
		TopK:              d.TopK,
		Temperature:       d.Temperature,
		RepetitionPenalty: d.RepetitionPenalty,
	}
}

func idList(name string, ids []int32, n int) ([]int32, error) {
	if n < 0 || n > len(ids) || (n == 0 && len(ids) > 0) {
		return nil, errdefs.InvalidParams("%s count %d does not fit %d ids", name, n, len(ids))
	}
	if n == 0 {
		return nil, nil
	}
	return ids[:n], nil
}

func (g *GenerationConfig) config() (*session.GenerationConfig, error) {
	if g == nil {
		return nil, errdefs.InvalidParams("generation config is nil")
	}
	eos, err := idList("eos_ids", g.EosIDs, g.EosIDsCount)
	if err != nil {
		return nil, err
	}
	stop, err := idList("stop_ids", g.StopIDs, g.StopIDsCount)
	if err != nil {
		return nil, err
	}
	bad, err := idList("bad_ids", g.BadIDs, g.BadIDsCount)
	if err != nil {
		return nil, err
	}
	return &session.GenerationConfig{
		MaxNewTokens:          g.MaxNewTokens,
		MinNewTokens:          g.MinNewTokens,
		EosIDs:                eos,
		StopIDs:               stop,
		BadIDs:                bad,
		TopP:                  g.TopP,
		TopK:                  g.TopK,
		MinP:                  g.MinP,
		Temperature:           g.Temperature,
		RepetitionPenalty:     g.RepetitionPenalty,
		RandomSeed:            g.RandomSeed,
		OutputLogprobs:        g.OutputLogprobs,
		OutputLastHiddenState: g.OutputLastHiddenState,
		OutputLogits:          g.OutputLogits,
	}, nil
}

// Forward runs one session step on the instance with the tensors in inputs
// and returns a result handle, or the null handle. This surface has no
// callback: with stream set each token is logged at debug level as it is
// produced, and the tokens themselves come back in the result.
func Forward(h InstanceHandle, inputs TensorMapHandle, sess *Session, gen *GenerationConfig, stream bool) ResultHandle {
	var onToken session.StreamFunc
	if stream && sess != nil {
		log := lg().With("session_id", sess.ID, "step", sess.Step)
		onToken = func(tok int32) { log.Debug("token", "id", tok) }
	}
	res, err := forward(h, inputs, sess, gen, onToken)
	if err != nil {
		fail("forward", err)
		return 0
	}
	return ResultHandle(results.Put(res))
}

func forward(h InstanceHandle, inputs TensorMapHandle, sess *Session, gen *GenerationConfig, stream session.StreamFunc) (*session.ForwardResult, error) {
	in, err := getInstance(h)
	if err != nil {
		return nil, err
	}
	m, err := getMap(inputs)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errdefs.InvalidParams("session is nil")
	}
	gc, err := gen.config()
	if err != nil {
		return nil, err
	}
	s := session.Session(*sess)
	return in.Forward(context.Background(), m, &s, gc, stream)
}

// ForwardResult describes a result handle. Tensors is a new map handle the
// caller destroys.
type ForwardResult struct {
	Status  session.Status
	SeqLen  int
	Tensors TensorMapHandle
}

// GetForwardResult reads the status and sequence length of r and hands out
// a copy of its output tensors.
func GetForwardResult(r ResultHandle, out *ForwardResult) int {
	if out == nil {
		return status("get_forward_result", errdefs.InvalidParams("result is nil"))
	}
	res, err := results.Get(handle.Handle(r))
	if err != nil {
		return status("get_forward_result", invalidHandle("forward result"))
	}
	if res.Tensors == nil {
		return status("get_forward_result", errdefs.InvalidParams("forward result already released"))
	}
	tm, err := res.Tensors.Clone()
	if err != nil {
		return status("get_forward_result", errdefs.InvalidParams("copy outputs: %v", err))
	}
	*out = ForwardResult{
		Status:  res.Status,
		SeqLen:  res.SeqLen,
		Tensors: TensorMapHandle(maps.Put(tm)),
	}
	return 0
}

func DestroyForwardResult(r ResultHandle) {
	if res, ok := results.Release(handle.Handle(r)); ok {
		res.Close()
	}
}

// EndSession asks the instance to finish session id. It does not wait.
func EndSession(h InstanceHandle, sessionID uint64) int {
	in, err := getInstance(h)
	if err == nil {
		err = in.EndSession(sessionID)
	}
	return status("end_session", err)
}

// CancelRequest asks the instance to abandon the step it is running.
func CancelRequest(h InstanceHandle) int {
	in, err := getInstance(h)
	if err == nil {
		err = in.Cancel()
	}
	return status("cancel_request", err)
}
