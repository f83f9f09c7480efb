package reference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/tensor"
)

// Input and output tensor names.
const (
	InputIDs        = "input_ids"
	InputLengths    = "input_lengths"
	OutputIDs       = "output_ids"
	SequenceLength  = "sequence_length"
	Logprobs        = "logprobs"
	Logits          = "logits"
	LastHiddenState = "last_hidden_state"
)

var errInstanceClosed = errors.New("instance closed")

// Instance keeps one recurrent state per live session.
type Instance struct {
	m      *Model
	device int

	mu       sync.Mutex
	sessions map[uint64]*sessionState
	closed   bool

	// epoch is bumped by Cancel; a forward that sees it move stops early.
	epoch atomic.Uint64
}

type sessionState struct {
	*state
	next []float32
}

func (in *Instance) Forward(ctx context.Context, req *backend.ForwardRequest) (*backend.ForwardResponse, error) {
	if req == nil || req.Inputs == nil {
		return nil, errors.New("forward: missing inputs")
	}
	lm, err := in.m.runtime()
	if err != nil {
		return nil, err
	}
	epoch := in.epoch.Load()
	sp := req.Session

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, errInstanceClosed
	}
	if sp.Kill {
		delete(in.sessions, sp.ID)
		in.mu.Unlock()
		return &backend.ForwardResponse{Outputs: tensor.NewMap(), Cancelled: true}, nil
	}
	st := in.sessions[sp.ID]
	if sp.Start {
		st = &sessionState{state: lm.newState()}
		in.sessions[sp.ID] = st
	} else if st == nil {
		in.mu.Unlock()
		return nil, fmt.Errorf("forward: no state for session %d", sp.ID)
	}
	in.mu.Unlock()

	ids, err := inputIDs(req.Inputs)
	if err != nil {
		return nil, err
	}
	sessionLen := in.m.spec.SessionLen
	if len(st.tokens)+len(ids) >= sessionLen {
		return nil, fmt.Errorf("forward: session %d would reach %d tokens, session length is %d",
			sp.ID, len(st.tokens)+len(ids), sessionLen)
	}
	if len(ids) == 0 && st.next == nil {
		return nil, errors.New("forward: empty input for a session with no history")
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st.next = lm.step(st.state, id)
	}

	limit := sessionLen - len(st.tokens)
	if sc := req.Sampling.MaxNewTokens; sc > 0 {
		limit = min(limit, sc)
	}
	res, err := in.m.decode(ctx, lm, st.state, st.next, decodeParams{
		sampling:  req.Sampling,
		limit:     limit,
		cancelled: func() bool { return in.epoch.Load() != epoch },
		emit: func(id int32) bool {
			if req.OnToken != nil {
				req.OnToken(id)
			}
			return false
		},
	})
	if err != nil {
		return nil, err
	}
	st.next = res.logits

	out, err := in.outputs(req.Sampling, st, res)
	if err != nil {
		return nil, err
	}
	if sp.End {
		_ = in.End(sp.ID)
	}
	return &backend.ForwardResponse{
		Outputs:   out,
		Cancelled: res.reason == finishCancelled,
		SeqLen:    len(st.tokens),
	}, nil
}

func inputIDs(inputs *tensor.Map) ([]int32, error) {
	t, err := inputs.Get(InputIDs)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	defer t.Close()
	if t.DataType() != tensor.Int32 {
		return nil, fmt.Errorf("forward: %s must be int32, got %s", InputIDs, t.DataType())
	}
	shape := t.Shape()
	if len(shape) > 2 || (len(shape) == 2 && shape[0] != 1) {
		return nil, fmt.Errorf("forward: %s must have shape [n] or [1, n], got %v", InputIDs, shape)
	}
	ids, err := t.Int32s()
	if err != nil {
		return nil, err
	}

	if inputs.Has(InputLengths) {
		lt, err := inputs.Get(InputLengths)
		if err != nil {
			return nil, err
		}
		defer lt.Close()
		lens, err := lt.Int32s()
		if err != nil || len(lens) != 1 {
			return nil, fmt.Errorf("forward: %s must be a single int32", InputLengths)
		}
		if lens[0] < 0 || int(lens[0]) > len(ids) {
			return nil, fmt.Errorf("forward: %s %d out of range [0, %d]", InputLengths, lens[0], len(ids))
		}
		ids = ids[:lens[0]]
	}
	return ids, nil
}

func (in *Instance) outputs(sc backend.SamplingConfig, st *sessionState, res decodeResult) (*tensor.Map, error) {
	out := tensor.NewMap()
	put := func(name string, t *tensor.Tensor, err error) error {
		if err != nil {
			return fmt.Errorf("build %s: %w", name, err)
		}
		defer t.Close()
		return out.Set(name, t)
	}

	n := int64(len(res.ids))
	t, err := tensor.FromInt32s([]int64{1, n}, res.ids)
	if err := put(OutputIDs, t, err); err != nil {
		out.Close()
		return nil, err
	}
	t, err = tensor.FromInt32s([]int64{1}, []int32{int32(len(st.tokens))})
	if err := put(SequenceLength, t, err); err != nil {
		out.Close()
		return nil, err
	}
	if sc.OutputLogprobs {
		t, err = tensor.FromFloat32s(tensor.FP32, []int64{1, n}, res.logprobs)
		if err := put(Logprobs, t, err); err != nil {
			out.Close()
			return nil, err
		}
	}
	if sc.OutputLogits && res.logits != nil {
		t, err = tensor.FromFloat32s(tensor.FP32, []int64{1, int64(len(res.logits))}, res.logits)
		if err := put(Logits, t, err); err != nil {
			out.Close()
			return nil, err
		}
	}
	if sc.OutputLastHiddenState {
		h := slices.Clone(st.h)
		t, err = tensor.FromFloat32s(tensor.FP32, []int64{1, int64(len(h))}, h)
		if err := put(LastHiddenState, t, err); err != nil {
			out.Close()
			return nil, err
		}
	}
	return out, nil
}

func (in *Instance) End(id uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.sessions, id)
	return nil
}

func (in *Instance) Cancel() {
	in.epoch.Add(1)
}

func (in *Instance) Close() error {
	in.Cancel()
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	clear(in.sessions)
	return nil
}
