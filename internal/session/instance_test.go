package session

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/backend/fake"
	"github.com/samcharles93/keel/internal/tensor"
)

func inputs(t *testing.T, ids ...int32) *tensor.Map {
	t.Helper()
	m, err := buildInputs(ids)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

// instance opens a fake model, builds it and returns an instance on
// device 0 along with the fake instance behind it.
func instance(t *testing.T, configure func(*fake.Model)) (*Instance, *fake.Instance) {
	t.Helper()
	be := fake.New()
	be.Configure = configure
	m := open(t, be, "")
	if err := m.Build(); err != nil {
		t.Fatal(err)
	}
	in, err := m.CreateInstance(0)
	if err != nil {
		t.Fatal(err)
	}
	return in, be.Models()[0].Instances()[0]
}

func forward(in *Instance, x *tensor.Map, s Session) (*ForwardResult, error) {
	return in.Forward(context.Background(), x, &s, &GenerationConfig{}, nil)
}

// gate makes session 1 block inside the backend until release is closed.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) configure(m *fake.Model) {
	m.ForwardFunc = func(ctx context.Context, req *backend.ForwardRequest) (*backend.ForwardResponse, error) {
		if req.Session.ID == 1 {
			g.entered <- struct{}{}
			<-g.release
		}
		return &backend.ForwardResponse{Outputs: tensor.NewMap(), SeqLen: 1}, nil
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	in, fi := instance(t, nil)
	x := inputs(t, 'h', 'i')

	res, err := forward(in, x, Session{ID: 7, StartFlag: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || res.SeqLen != 2 {
		t.Fatalf("start: status %v seq %d", res.Status, res.SeqLen)
	}
	ids, err := res.Tensors.Get(OutputIDs)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := ids.Int32s()
	ids.Close()
	if len(got) != 2 || got[0] != 'h' {
		t.Fatalf("output_ids = %v", got)
	}
	res.Close()
	res.Close()
	if st, ok := in.SessionStatus(7); !ok || st != StatusRunning {
		t.Fatalf("status after start = %v, %v", st, ok)
	}

	if _, err := forward(in, x, Session{ID: 7, Step: 1}); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if _, err := forward(in, x, Session{ID: 7, Step: 3}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("skipped step err = %v", err)
	}
	res, err = forward(in, x, Session{ID: 7, Step: 2, EndFlag: true})
	if err != nil {
		t.Fatal(err)
	}
	res.Close()
	if st, _ := in.SessionStatus(7); st != StatusCompleted {
		t.Fatalf("status after end = %v", st)
	}
	if fi.Ended(7) != 0 {
		t.Fatal("end flag should leave releasing the session to the backend")
	}

	if _, err := forward(in, x, Session{ID: 7, Step: 3}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("continue after end err = %v", err)
	}
	if res, err := forward(in, x, Session{ID: 7, StartFlag: true}); err != nil {
		t.Fatalf("restart: %v", err)
	} else {
		res.Close()
	}
	if st, _ := in.SessionStatus(7); st != StatusRunning {
		t.Fatalf("status after restart = %v", st)
	}
}

func TestSessionAdmission(t *testing.T) {
	t.Parallel()
	in, _ := instance(t, nil)
	x := inputs(t, 1)

	if _, err := forward(in, x, Session{ID: 3, Step: 1}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("unknown session err = %v", err)
	}
	if _, err := forward(in, x, Session{ID: 3, Step: 2, StartFlag: true}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("start at step 2 err = %v", err)
	}
	if _, err := in.Forward(context.Background(), nil, &Session{ID: 3}, &GenerationConfig{}, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("nil inputs err = %v", err)
	}
	if _, err := in.Forward(context.Background(), x, nil, &GenerationConfig{}, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("nil session err = %v", err)
	}
	if _, err := in.Forward(context.Background(), x, &Session{ID: 3, StartFlag: true}, nil, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("nil generation config err = %v", err)
	}
	bad := &GenerationConfig{TopP: 2}
	if _, err := in.Forward(context.Background(), x, &Session{ID: 3, StartFlag: true}, bad, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("bad generation config err = %v", err)
	}
	if _, ok := in.SessionStatus(3); ok {
		t.Fatal("rejected calls created a session")
	}
	var nilIn *Instance
	if _, err := nilIn.Forward(context.Background(), x, &Session{}, &GenerationConfig{}, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("nil instance err = %v", err)
	}
}

func TestSessionBusy(t *testing.T) {
	t.Parallel()
	g := newGate()
	in, _ := instance(t, g.configure)
	x := inputs(t, 1)

	var eg errgroup.Group
	eg.Go(func() error {
		res, err := forward(in, x, Session{ID: 1, StartFlag: true})
		res.Close()
		return err
	})
	<-g.entered

	if _, err := forward(in, x, Session{ID: 1, Step: 1}); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second forward err = %v", err)
	}
	if _, err := forward(in, x, Session{ID: 1, StartFlag: true}); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("restart while busy err = %v", err)
	}
	res, err := forward(in, x, Session{ID: 2, StartFlag: true})
	if err != nil {
		t.Fatalf("other session blocked: %v", err)
	}
	res.Close()

	close(g.release)
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if res, err := forward(in, x, Session{ID: 1, Step: 1}); err != nil {
		t.Fatalf("continue after busy: %v", err)
	} else {
		res.Close()
	}
}

func TestKillIdleSession(t *testing.T) {
	t.Parallel()
	in, fi := instance(t, nil)
	x := inputs(t, 1)

	res, err := forward(in, x, Session{ID: 4, StartFlag: true})
	if err != nil {
		t.Fatal(err)
	}
	res.Close()

	res, err = forward(in, x, Session{ID: 4, KillFlag: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCancelled || res.Tensors.Len() != 0 {
		t.Fatalf("kill result: status %v, %d tensors", res.Status, res.Tensors.Len())
	}
	res.Close()
	if fi.Ended(4) != 1 || fi.Cancelled() != 0 {
		t.Fatalf("ended %d cancelled %d", fi.Ended(4), fi.Cancelled())
	}
	if st, _ := in.SessionStatus(4); st != StatusCancelled {
		t.Fatalf("status = %v", st)
	}
	if _, err := forward(in, x, Session{ID: 4, Step: 1}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("continue after kill err = %v", err)
	}
	if _, err := forward(in, x, Session{ID: 4, KillFlag: true}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second kill err = %v", err)
	}
	if _, err := forward(in, x, Session{ID: 99, KillFlag: true}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("kill unknown err = %v", err)
	}
}

func TestKillRunningSession(t *testing.T) {
	t.Parallel()
	g := newGate()
	in, fi := instance(t, g.configure)
	x := inputs(t, 1)

	done := make(chan *ForwardResult, 1)
	var eg errgroup.Group
	eg.Go(func() error {
		res, err := forward(in, x, Session{ID: 1, StartFlag: true})
		done <- res
		return err
	})
	<-g.entered

	res, err := forward(in, x, Session{ID: 1, KillFlag: true})
	if err != nil {
		t.Fatal(err)
	}
	res.Close()
	if fi.Cancelled() != 1 || fi.Ended(1) != 1 {
		t.Fatalf("cancelled %d ended %d", fi.Cancelled(), fi.Ended(1))
	}

	close(g.release)
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	res = <-done
	defer res.Close()
	if res.Status != StatusCancelled {
		t.Fatalf("running forward status = %v", res.Status)
	}
	if st, _ := in.SessionStatus(1); st != StatusCancelled {
		t.Fatalf("session status = %v", st)
	}
}

func TestEndSession(t *testing.T) {
	t.Parallel()
	g := newGate()
	in, fi := instance(t, g.configure)
	x := inputs(t, 1)

	if err := in.EndSession(1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("end unknown err = %v", err)
	}

	// Idle session ends at once.
	res, err := forward(in, x, Session{ID: 2, StartFlag: true})
	if err != nil {
		t.Fatal(err)
	}
	res.Close()
	if err := in.EndSession(2); err != nil {
		t.Fatal(err)
	}
	if st, _ := in.SessionStatus(2); st != StatusCompleted || fi.Ended(2) != 1 {
		t.Fatalf("idle end: status %v ended %d", st, fi.Ended(2))
	}

	// Running session ends when its forward returns.
	var eg errgroup.Group
	eg.Go(func() error {
		res, err := forward(in, x, Session{ID: 1, StartFlag: true})
		res.Close()
		return err
	})
	<-g.entered
	if err := in.EndSession(1); err != nil {
		t.Fatal(err)
	}
	if st, _ := in.SessionStatus(1); st != StatusRunning {
		t.Fatalf("status before forward returns = %v", st)
	}
	close(g.release)
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if st, _ := in.SessionStatus(1); st != StatusCompleted || fi.Ended(1) != 1 {
		t.Fatalf("deferred end: status %v ended %d", st, fi.Ended(1))
	}
	if err := in.EndSession(1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second end err = %v", err)
	}
}

func TestForwardBackendFailure(t *testing.T) {
	t.Parallel()
	in, fi := instance(t, func(m *fake.Model) {
		m.ForwardFunc = func(ctx context.Context, req *backend.ForwardRequest) (*backend.ForwardResponse, error) {
			switch req.Session.ID {
			case 1:
				return nil, errors.New("device lost")
			case 2:
				panic("kernel fault")
			case 3:
				return nil, nil
			}
			return &backend.ForwardResponse{Outputs: tensor.NewMap(), Cancelled: true}, nil
		}
	})
	x := inputs(t, 1)

	for _, id := range []uint64{1, 2, 3} {
		res, err := forward(in, x, Session{ID: id, StartFlag: true})
		if !errors.Is(err, ErrBackend) || res != nil {
			t.Fatalf("session %d: res %v err %v", id, res, err)
		}
		if st, _ := in.SessionStatus(id); st != StatusFailed {
			t.Fatalf("session %d status = %v", id, st)
		}
		if fi.Ended(id) != 1 {
			t.Fatalf("session %d not released", id)
		}
	}

	res, err := forward(in, x, Session{ID: 4, StartFlag: true})
	if err != nil {
		t.Fatal(err)
	}
	res.Close()
	if res.Status != StatusCancelled {
		t.Fatalf("cancelled response status = %v", res.Status)
	}
	if _, err := forward(in, x, Session{ID: 4, Step: 1}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("continue after cancel err = %v", err)
	}
}

func TestForwardStream(t *testing.T) {
	t.Parallel()
	in, _ := instance(t, nil)
	var got []int32
	res, err := in.Forward(context.Background(), inputs(t, 5, 6, 7), &Session{ID: 1, StartFlag: true}, &GenerationConfig{},
		func(tok int32) { got = append(got, tok) })
	if err != nil {
		t.Fatal(err)
	}
	res.Close()
	if len(got) != 3 || got[2] != 7 {
		t.Fatalf("streamed %v", got)
	}
}

func TestInstanceCancel(t *testing.T) {
	t.Parallel()
	in, fi := instance(t, nil)
	if err := in.Cancel(); err != nil {
		t.Fatal(err)
	}
	if fi.Cancelled() != 1 {
		t.Fatalf("cancelled %d", fi.Cancelled())
	}
	if err := in.Close(); err != nil {
		t.Fatal(err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := in.Cancel(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Cancel after Close: %v", err)
	}
	if err := in.EndSession(1); !errors.Is(err, ErrNotReady) {
		t.Fatalf("EndSession after Close: %v", err)
	}
}

func TestFinishedSessionsAreBounded(t *testing.T) {
	t.Parallel()
	in, _ := instance(t, nil)
	x := inputs(t, 1)
	for id := range uint64(maxFinished + 4) {
		res, err := forward(in, x, Session{ID: id, StartFlag: true, EndFlag: true})
		if err != nil {
			t.Fatal(err)
		}
		res.Close()
	}
	if _, ok := in.SessionStatus(0); ok {
		t.Fatal("oldest finished session still tracked")
	}
	if st, ok := in.SessionStatus(maxFinished + 3); !ok || st != StatusCompleted {
		t.Fatalf("newest session status = %v, %v", st, ok)
	}
}
