package session

import (
	"context"
	"errors"
	"sync"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/logger"
	"github.com/samcharles93/keel/internal/metrics"
	"github.com/samcharles93/keel/internal/tensor"
)

// Session identifies one call within a multi-step session.
type Session struct {
	ID        uint64
	Step      int
	StartFlag bool
	EndFlag   bool
	KillFlag  bool
}

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ForwardResult is owned by the caller, who releases it with Close.
type ForwardResult struct {
	Tensors *tensor.Map
	Status  Status
	SeqLen  int
}

// Close releases the output tensors. It is safe to call twice.
func (r *ForwardResult) Close() {
	if r == nil || r.Tensors == nil {
		return
	}
	r.Tensors.Close()
	r.Tensors = nil
}

// StreamFunc receives each generated token id during Forward.
type StreamFunc func(token int32)

type phase int

const (
	phaseActive phase = iota
	phaseEnded
	phaseKilled
	phaseCancelled
	phaseFailed
)

func (p phase) terminal() bool { return p != phaseActive }

func (p phase) status() Status {
	switch p {
	case phaseActive:
		return StatusRunning
	case phaseEnded:
		return StatusCompleted
	case phaseFailed:
		return StatusFailed
	default:
		return StatusCancelled
	}
}

type sessionState struct {
	phase phase
	step  int
	busy  bool
	// endRequested is set by EndSession while a forward is running.
	endRequested bool
}

// maxFinished bounds how many terminal sessions an instance remembers.
const maxFinished = 1024

// Instance runs sessions against one device. Forward calls for different
// sessions may run concurrently; a second forward for a session that is
// already running fails with ErrSessionBusy.
type Instance struct {
	model   *Model
	bi      backend.Instance
	device  int
	log     logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[uint64]*sessionState
	finished []uint64
	closed   bool
}

func newInstance(m *Model, bi backend.Instance, device int) *Instance {
	return &Instance{
		model:    m,
		bi:       bi,
		device:   device,
		log:      m.opts.log.With("device", device),
		metrics:  m.opts.metrics,
		sessions: make(map[uint64]*sessionState),
	}
}

func (in *Instance) Device() int { return in.device }

// Model returns the model the instance was created from.
func (in *Instance) Model() *Model { return in.model }

// Forward runs one step of session sess.
//
// A session starts with StartFlag set and Step 0; each continuation uses the
// next step number with StartFlag clear. EndFlag finishes the session after
// the step completes and KillFlag abandons it at once. Continuing a session
// that finished, or one never started, fails with ErrSessionClosed; starting
// again with the same id begins a new session.
func (in *Instance) Forward(ctx context.Context, inputs *tensor.Map, sess *Session, gen *GenerationConfig, stream StreamFunc) (*ForwardResult, error) {
	switch {
	case in == nil:
		return nil, errdefs.InvalidParams("instance is nil")
	case inputs == nil:
		return nil, errdefs.InvalidParams("inputs are nil")
	case sess == nil:
		return nil, errdefs.InvalidParams("session is nil")
	case gen == nil:
		return nil, errdefs.InvalidParams("generation config is nil")
	}
	if sess.KillFlag {
		return in.kill(sess.ID)
	}
	sampling, err := gen.resolve(sess.ID)
	if err != nil {
		in.metrics.Reject(metrics.OpForward, err)
		return nil, err
	}
	if err := in.admit(sess); err != nil {
		in.metrics.Reject(metrics.OpForward, err)
		return nil, err
	}

	req := &backend.ForwardRequest{
		Inputs: inputs,
		Session: backend.SessionParam{
			ID:    sess.ID,
			Step:  sess.Step,
			Start: sess.StartFlag,
			End:   sess.EndFlag,
		},
		Sampling: sampling,
		Stream:   stream != nil,
	}
	if stream != nil {
		req.OnToken = func(id int32) { stream(id) }
	}

	log := in.log.With("session_id", sess.ID, "step", sess.Step)
	log.Debug("forward start")
	done := in.metrics.Begin(metrics.OpForward)
	resp, err := in.callForward(ctx, req)
	done(err)

	st := in.finish(sess, resp, err)
	if err != nil {
		log.Warn("forward failed", "error", err)
		return nil, err
	}
	out := resp.Outputs
	if out == nil {
		out = tensor.NewMap()
	}
	log.Debug("forward done", "status", st.String(), "seq_len", resp.SeqLen)
	return &ForwardResult{Tensors: out, Status: st, SeqLen: resp.SeqLen}, nil
}

func (in *Instance) callForward(ctx context.Context, req *backend.ForwardRequest) (resp *backend.ForwardResponse, err error) {
	defer errdefs.Recover("forward", &err)
	resp, err = in.bi.Forward(ctx, req)
	if err != nil {
		return nil, errdefs.Backend("forward", err)
	}
	if resp == nil {
		return nil, errdefs.Backend("forward", errors.New("backend returned no response"))
	}
	return resp, nil
}

// admit checks sess against the session table and marks it running.
func (in *Instance) admit(sess *Session) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return errdefs.NotReady("instance is closed")
	}
	st := in.sessions[sess.ID]
	if st != nil && st.busy {
		return ErrSessionBusy
	}

	if sess.StartFlag {
		if sess.Step != 0 {
			return errdefs.InvalidParams("session %d: start step must be 0, got %d", sess.ID, sess.Step)
		}
		if st != nil && !st.phase.terminal() {
			// Restarting a live session drops its old state.
			in.metrics.SessionFinished(metrics.SessionCancelled)
		}
		in.sessions[sess.ID] = &sessionState{phase: phaseActive, busy: true}
		in.metrics.SessionStarted()
		return nil
	}

	if st == nil || st.phase.terminal() {
		return ErrSessionClosed
	}
	if sess.Step != st.step+1 {
		return errdefs.InvalidParams("session %d: step %d, expected %d", sess.ID, sess.Step, st.step+1)
	}
	st.busy = true
	return nil
}

// finish records the outcome of a forward and returns the result status.
func (in *Instance) finish(sess *Session, resp *backend.ForwardResponse, err error) Status {
	in.mu.Lock()
	st := in.sessions[sess.ID]
	if st == nil {
		// The instance was closed underneath the call.
		in.mu.Unlock()
		return StatusCancelled
	}
	st.busy = false
	st.step = sess.Step
	release := false

	switch {
	case st.phase.terminal():
		// Killed while running.
	case err != nil:
		st.phase = phaseFailed
		release = true
	case resp.Cancelled:
		st.phase = phaseCancelled
		release = true
	case sess.EndFlag || st.endRequested:
		st.phase = phaseEnded
		release = !sess.EndFlag
	}
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	} else if st.phase == phaseKilled || st.phase == phaseCancelled {
		status = StatusCancelled
	}
	if st.phase.terminal() {
		in.retireLocked(sess.ID, st.phase)
	}
	in.mu.Unlock()

	if release {
		in.endBackend(sess.ID)
	}
	return status
}

// retireLocked records a terminal session and forgets the oldest ones beyond
// maxFinished.
func (in *Instance) retireLocked(id uint64, p phase) {
	switch p {
	case phaseEnded:
		in.metrics.SessionFinished(metrics.SessionCompleted)
	case phaseKilled:
		in.metrics.SessionFinished(metrics.SessionKilled)
	case phaseCancelled:
		in.metrics.SessionFinished(metrics.SessionCancelled)
	case phaseFailed:
		in.metrics.SessionFinished(metrics.SessionFailed)
	}
	in.finished = append(in.finished, id)
	for len(in.finished) > maxFinished {
		old := in.finished[0]
		in.finished = in.finished[1:]
		if st, ok := in.sessions[old]; ok && st.phase.terminal() {
			delete(in.sessions, old)
		}
	}
}

func (in *Instance) endBackend(id uint64) {
	defer func() {
		if rec := recover(); rec != nil {
			in.log.Error("backend end panicked", "session_id", id, "panic", rec)
		}
	}()
	if err := in.bi.End(id); err != nil {
		in.log.Warn("backend end failed", "session_id", id, "error", err)
	}
}

func (in *Instance) kill(id uint64) (*ForwardResult, error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, errdefs.NotReady("instance is closed")
	}
	st := in.sessions[id]
	if st == nil || st.phase.terminal() {
		in.mu.Unlock()
		return nil, ErrSessionClosed
	}
	busy := st.busy
	st.phase = phaseKilled
	if !busy {
		in.retireLocked(id, phaseKilled)
	}
	in.mu.Unlock()

	if busy {
		in.cancelBackend()
	}
	in.endBackend(id)
	in.log.Debug("session killed", "session_id", id, "was_running", busy)
	return &ForwardResult{Tensors: tensor.NewMap(), Status: StatusCancelled}, nil
}

func (in *Instance) cancelBackend() {
	defer func() {
		if rec := recover(); rec != nil {
			in.log.Error("backend cancel panicked", "panic", rec)
		}
	}()
	in.bi.Cancel()
}

// EndSession asks for session id to finish. An idle session ends at once; a
// running one ends when its current forward returns. It does not wait for the
// backend.
func (in *Instance) EndSession(id uint64) error {
	if in == nil {
		return errdefs.InvalidParams("instance is nil")
	}
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return errdefs.NotReady("instance is closed")
	}
	st := in.sessions[id]
	if st == nil || st.phase.terminal() {
		in.mu.Unlock()
		return ErrSessionClosed
	}
	if st.busy {
		st.endRequested = true
		in.mu.Unlock()
		return nil
	}
	st.phase = phaseEnded
	in.retireLocked(id, phaseEnded)
	in.mu.Unlock()
	in.endBackend(id)
	return nil
}

// Cancel asks the backend to abandon whatever is running on this instance.
func (in *Instance) Cancel() error {
	if in == nil {
		return errdefs.InvalidParams("instance is nil")
	}
	in.mu.Lock()
	closed := in.closed
	in.mu.Unlock()
	if closed {
		return errdefs.NotReady("instance is closed")
	}
	in.cancelBackend()
	return nil
}

// SessionStatus reports the state of session id, if the instance knows it.
func (in *Instance) SessionStatus(id uint64) (Status, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	st, ok := in.sessions[id]
	if !ok {
		return StatusPending, false
	}
	return st.phase.status(), true
}

// Close cancels running work, drops every session and releases the backend
// instance. Calling it again is a no-op.
func (in *Instance) Close() error {
	if in == nil {
		return nil
	}
	err := in.shutdown()
	in.model.forget(in)
	return err
}

func (in *Instance) shutdown() (err error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	for _, st := range in.sessions {
		if !st.phase.terminal() {
			in.metrics.SessionFinished(metrics.SessionCancelled)
		}
	}
	clear(in.sessions)
	in.finished = nil
	in.mu.Unlock()

	in.cancelBackend()
	defer errdefs.Recover("close instance", &err)
	return in.bi.Close()
}
