package session

import (
	"context"
	"fmt"

	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/tensor"
)

// Tensor names used by Conversation and Generate.
const (
	InputIDs       = "input_ids"
	InputLengths   = "input_lengths"
	OutputIDs      = "output_ids"
	SequenceLength = "sequence_length"
)

// Conversation drives a multi-turn session on an instance: the first Send
// starts the session, later ones continue it, Close ends it.
type Conversation struct {
	in   *Instance
	id   uint64
	gen  GenerationConfig
	step int
	live bool
}

func (in *Instance) NewConversation(id uint64, gen GenerationConfig) *Conversation {
	return &Conversation{in: in, id: id, gen: gen}
}

func (c *Conversation) ID() uint64 { return c.id }

// Send encodes text, runs one step and returns the decoded reply. stream, if
// set, sees each decoded token as it is generated.
func (c *Conversation) Send(ctx context.Context, text string, stream func(piece string)) (string, error) {
	sess := &Session{ID: c.id, Step: c.step, StartFlag: !c.live}
	if !c.live {
		sess.Step = 0
	}
	reply, res, err := c.in.run(ctx, text, sess, c.gen, stream)
	res.Close()
	if err != nil {
		return "", err
	}
	c.live = true
	c.step = sess.Step + 1
	return reply, nil
}

// Close ends the session if it was started.
func (c *Conversation) Close() error {
	if !c.live {
		return nil
	}
	c.live = false
	return c.in.EndSession(c.id)
}

// Generate runs prompt as a one-step session (start and end in one call)
// under session id and returns the decoded output along with the raw result,
// which the caller must Close.
func (in *Instance) Generate(ctx context.Context, id uint64, prompt string, gen GenerationConfig) (string, *ForwardResult, error) {
	return in.run(ctx, prompt, &Session{ID: id, StartFlag: true, EndFlag: true}, gen, nil)
}

func (in *Instance) run(ctx context.Context, text string, sess *Session, gen GenerationConfig, stream func(string)) (string, *ForwardResult, error) {
	if in == nil {
		return "", nil, errdefs.InvalidParams("instance is nil")
	}
	if text == "" {
		return "", nil, errdefs.InvalidParams("prompt is empty")
	}
	ids, err := in.model.Encode(text)
	if err != nil {
		return "", nil, errdefs.Backend("encode", err)
	}
	inputs, err := buildInputs(ids)
	if err != nil {
		return "", nil, err
	}
	defer inputs.Close()

	var onToken StreamFunc
	if stream != nil {
		onToken = func(tok int32) {
			if piece, err := in.model.Decode([]int32{tok}); err == nil && piece != "" {
				stream(piece)
			}
		}
	}
	res, err := in.Forward(ctx, inputs, sess, &gen, onToken)
	if err != nil {
		return "", nil, err
	}
	out, err := res.Tensors.Get(OutputIDs)
	if err != nil {
		return "", res, errdefs.Backend("forward", err)
	}
	defer out.Close()
	toks, err := out.Int32s()
	if err != nil {
		return "", res, errdefs.Backend("forward", err)
	}
	text, err = in.model.Decode(toks)
	if err != nil {
		return "", res, errdefs.Backend("decode", err)
	}
	return text, res, nil
}

func buildInputs(ids []int32) (*tensor.Map, error) {
	m := tensor.NewMap()
	idsT, err := tensor.FromInt32s([]int64{1, int64(len(ids))}, ids)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", InputIDs, err)
	}
	defer idsT.Close()
	lenT, err := tensor.FromInt32s([]int64{1}, []int32{int32(len(ids))})
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", InputLengths, err)
	}
	defer lenT.Close()
	if err := m.Set(InputIDs, idsT); err != nil {
		return nil, err
	}
	if err := m.Set(InputLengths, lenT); err != nil {
		return nil, err
	}
	return m, nil
}
