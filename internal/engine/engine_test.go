package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/backend/fake"
	"github.com/samcharles93/keel/internal/backend/reference"
	"github.com/samcharles93/keel/internal/metrics"
)

func newFake(t *testing.T, configure func(*fake.Model)) (*Engine, *fake.Backend) {
	t.Helper()
	be := fake.New()
	be.Configure = configure
	e, err := New(context.Background(), Config{ModelPath: "/m", TensorParallel: 1, SessionLen: 1024, MaxBatchSize: 8}, be)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, be
}

func TestScenarioCreateAndGenerate(t *testing.T) {
	t.Parallel()
	e, be := newFake(t, nil)
	if !e.IsReady() || e.State() != StateReady {
		t.Fatalf("ready=%v state=%s", e.IsReady(), e.State())
	}

	resp, err := e.Generate(context.Background(), &Request{RequestID: 1, Prompt: "Hello, world!", MaxNewTokens: 50}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.RequestID != 1 || !resp.Finished || resp.Text == "" {
		t.Fatalf("resp = %+v", resp)
	}

	calls := be.Models()[0].Calls()
	want := []string{"shared(0,0)", "process(0,0)", "engine(0,0)", "generate(1)"}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("backend calls (-want +got):\n%s", diff)
	}
	spec := be.Loads()[0]
	if spec.Path != "/m" || spec.SessionLen != 1024 || spec.MaxBatchSize != 8 {
		t.Fatalf("spec = %+v", spec)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	be := fake.New()
	for _, path := range []string{"", "   "} {
		e, err := New(context.Background(), Config{ModelPath: path}, be)
		if e != nil || !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("New(%q) = %v, %v", path, e, err)
		}
	}
	if len(be.Loads()) != 0 {
		t.Fatal("backend touched for an invalid config")
	}
	if _, err := New(context.Background(), DefaultConfig("/m"), nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("nil backend err = %v", err)
	}
}

func TestNewBackendFailures(t *testing.T) {
	t.Parallel()

	t.Run("load error", func(t *testing.T) {
		be := fake.New()
		be.LoadErr = errors.New("no such model")
		if _, err := New(context.Background(), DefaultConfig("/m"), be); !errors.Is(err, ErrBackend) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("load panic", func(t *testing.T) {
		be := fake.New()
		be.LoadPanic = "corrupt weights"
		_, err := New(context.Background(), DefaultConfig("/m"), be)
		if !errors.Is(err, ErrBackend) || !strings.Contains(err.Error(), "corrupt weights") {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("process weights error closes model", func(t *testing.T) {
		be := fake.New()
		be.Configure = func(m *fake.Model) {
			m.StageErr = map[string]error{"process": errors.New("unsupported quantization")}
		}
		cfg := DefaultConfig("/m")
		cfg.TensorParallel = 2
		e, err := New(context.Background(), cfg, be)
		if e != nil || !errors.Is(err, ErrBackend) {
			t.Fatalf("New = %v, %v", e, err)
		}
		if be.Models()[0].Closed() != 1 {
			t.Fatal("partially built model not closed")
		}
	})
}

func TestTensorParallelBuildsEveryRank(t *testing.T) {
	t.Parallel()
	be := fake.New()
	cfg := DefaultConfig("/m")
	cfg.TensorParallel = 2
	cfg.DeviceID = 1
	e, err := New(context.Background(), cfg, be)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	want := []string{
		"shared(1,0)", "process(1,0)", "engine(1,0)",
		"shared(2,1)", "process(2,1)", "engine(2,1)",
	}
	if diff := cmp.Diff(want, be.Models()[0].Calls()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestRequestIDs(t *testing.T) {
	t.Parallel()
	e, _ := newFake(t, nil)
	ctx := context.Background()

	var last int64
	for i := range 5 {
		resp, err := e.Generate(ctx, &Request{Prompt: "a b"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.RequestID <= last {
			t.Fatalf("auto id %d not greater than %d", resp.RequestID, last)
		}
		last = resp.RequestID

		if i == 2 {
			resp, err := e.Generate(ctx, &Request{RequestID: 1000, Prompt: "x"}, nil)
			if err != nil || resp.RequestID != 1000 {
				t.Fatalf("caller id: %v %v", resp, err)
			}
		}
	}
}

func TestEmptyPrompt(t *testing.T) {
	t.Parallel()
	e, be := newFake(t, nil)
	resp, err := e.Generate(context.Background(), &Request{RequestID: 3}, nil)
	if resp != nil || !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("Generate = %v, %v", resp, err)
	}
	if _, err := e.Generate(context.Background(), nil, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("nil request err = %v", err)
	}
	for _, c := range be.Models()[0].Calls() {
		if strings.HasPrefix(c, "generate") {
			t.Fatal("backend called for an empty prompt")
		}
	}
}

func TestSamplingDefaults(t *testing.T) {
	t.Parallel()
	var got backend.SamplingConfig
	e, _ := newFake(t, func(m *fake.Model) {
		m.GenerateFunc = func(_ context.Context, req *backend.GenerateRequest, _ backend.StreamFunc) (*backend.GenerateResult, error) {
			got = req.Sampling
			return &backend.GenerateResult{Text: "ok"}, nil
		}
	})
	if _, err := e.Generate(context.Background(), &Request{RequestID: 9, Prompt: "p", TopP: 2, Temperature: -1}, nil); err != nil {
		t.Fatal(err)
	}
	want := backend.SamplingConfig{
		MaxNewTokens:      DefaultMaxNewTokens,
		Temperature:       DefaultTemperature,
		TopP:              DefaultTopP,
		TopK:              DefaultTopK,
		RepetitionPenalty: DefaultRepetitionPenalty,
		Seed:              9,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sampling (-want +got):\n%s", diff)
	}
}

func TestStreamingRequiresFlag(t *testing.T) {
	t.Parallel()
	e, _ := newFake(t, nil)
	var pieces []string
	stream := func(p string) { pieces = append(pieces, p) }

	if _, err := e.Generate(context.Background(), &Request{Prompt: "one two"}, stream); err != nil {
		t.Fatal(err)
	}
	if len(pieces) != 0 {
		t.Fatalf("streamed without Stream set: %v", pieces)
	}
	if _, err := e.Generate(context.Background(), &Request{Prompt: "one two", Stream: true}, stream); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(pieces, []string{"one ", "two "}) {
		t.Fatalf("pieces = %q", pieces)
	}
}

func TestBatchFailFast(t *testing.T) {
	t.Parallel()
	e, be := newFake(t, func(m *fake.Model) {
		m.GenerateFunc = func(_ context.Context, req *backend.GenerateRequest, _ backend.StreamFunc) (*backend.GenerateResult, error) {
			if req.Prompt == "fail" {
				return nil, errors.New("kv cache exhausted")
			}
			return &backend.GenerateResult{Text: strings.ToUpper(req.Prompt), InputTokens: 1, OutputTokens: 1}, nil
		}
	})
	ctx := context.Background()

	reqs := []*Request{
		{RequestID: 10, Prompt: "alpha"},
		{RequestID: 11, Prompt: "beta"},
		{RequestID: 12, Prompt: "fail"},
		{RequestID: 13, Prompt: "gamma"},
	}
	got, err := e.GenerateBatch(ctx, reqs)
	var berr *BatchError
	if !errors.As(err, &berr) || berr.Index != 2 || !errors.Is(err, ErrBackend) {
		t.Fatalf("err = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d responses, want 2", len(got))
	}
	for _, c := range be.Models()[0].Calls() {
		if c == "generate(13)" {
			t.Fatal("item after the failure was dispatched")
		}
	}

	var single []*Response
	for _, r := range reqs[:2] {
		resp, err := e.Generate(ctx, r, nil)
		if err != nil {
			t.Fatal(err)
		}
		single = append(single, resp)
	}
	if diff := cmp.Diff(single, got, cmpopts.IgnoreFields(Response{}, "Duration")); diff != "" {
		t.Fatalf("batch differs from single calls (-single +batch):\n%s", diff)
	}
}

func TestCloseStopsRunningBatch(t *testing.T) {
	t.Parallel()
	closed := make(chan error, 1)
	var e *Engine
	e, be := newFake(t, func(m *fake.Model) {
		m.GenerateFunc = func(_ context.Context, req *backend.GenerateRequest, _ backend.StreamFunc) (*backend.GenerateResult, error) {
			if req.Prompt == "first" {
				go func() { closed <- e.Close() }()
				for e.IsReady() {
					time.Sleep(time.Millisecond)
				}
			}
			return &backend.GenerateResult{Text: req.Prompt, InputTokens: 1, OutputTokens: 1}, nil
		}
	})

	reqs := []*Request{
		{RequestID: 1, Prompt: "first"},
		{RequestID: 2, Prompt: "second"},
		{RequestID: 3, Prompt: "third"},
	}
	got, err := e.GenerateBatch(context.Background(), reqs)
	var berr *BatchError
	if !errors.As(err, &berr) || berr.Index != 1 || !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v", err)
	}
	if len(got) != 1 || got[0].Text != "first" {
		t.Fatalf("got = %+v", got)
	}
	if err := <-closed; err != nil {
		t.Fatal(err)
	}
	want := []string{"shared(0,0)", "process(0,0)", "engine(0,0)", "generate(1)", "close"}
	if diff := cmp.Diff(want, be.Models()[0].Calls()); diff != "" {
		t.Fatalf("backend calls (-want +got):\n%s", diff)
	}
}

func TestBatchValidation(t *testing.T) {
	t.Parallel()
	e, _ := newFake(t, nil)
	ctx := context.Background()

	if _, err := e.GenerateBatch(ctx, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("empty batch err = %v", err)
	}
	big := make([]*Request, 9)
	for i := range big {
		big[i] = &Request{Prompt: "x"}
	}
	if _, err := e.GenerateBatch(ctx, big); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("oversized batch err = %v", err)
	}
	got, err := e.GenerateBatch(ctx, []*Request{{Prompt: "x"}, nil})
	var berr *BatchError
	if !errors.As(err, &berr) || berr.Index != 1 || len(got) != 1 || !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("nil item: %v %v", got, err)
	}
}

func TestReservedOperations(t *testing.T) {
	t.Parallel()
	e, _ := newFake(t, nil)
	if _, err := e.GenerateAsync(context.Background(), &Request{Prompt: "x"}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("GenerateAsync err = %v", err)
	}
	if _, err := e.GetResponse(context.Background(), 1); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("GetResponse err = %v", err)
	}
	var nilEngine *Engine
	if _, err := nilEngine.GenerateAsync(context.Background(), nil); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("nil engine GenerateAsync err = %v", err)
	}
}

func TestBackendPanicBecomesError(t *testing.T) {
	t.Parallel()
	e, _ := newFake(t, func(m *fake.Model) {
		m.GenerateFunc = func(context.Context, *backend.GenerateRequest, backend.StreamFunc) (*backend.GenerateResult, error) {
			panic("index out of range")
		}
	})
	_, err := e.Generate(context.Background(), &Request{Prompt: "x"}, nil)
	if !errors.Is(err, ErrBackend) || !strings.Contains(err.Error(), "index out of range") {
		t.Fatalf("err = %v", err)
	}
	if len(e.ActiveRequests()) != 0 {
		t.Fatal("panicking request left in the active table")
	}
	if !e.IsReady() {
		t.Fatal("engine lost readiness after a backend panic")
	}
}

func TestDuplicateInFlightID(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	releaseCh := make(chan struct{})
	e, _ := newFake(t, func(m *fake.Model) {
		m.GenerateFunc = func(_ context.Context, req *backend.GenerateRequest, _ backend.StreamFunc) (*backend.GenerateResult, error) {
			if req.Prompt == "slow" {
				close(entered)
				<-releaseCh
			}
			return &backend.GenerateResult{Text: "ok"}, nil
		}
	})
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		_, err := e.Generate(ctx, &Request{RequestID: 5, Prompt: "slow"}, nil)
		return err
	})
	<-entered
	if ids := e.ActiveRequests(); !slices.Equal(ids, []int64{5}) {
		t.Fatalf("active = %v", ids)
	}
	if _, err := e.Generate(ctx, &Request{RequestID: 5, Prompt: "again"}, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("duplicate id err = %v", err)
	}
	close(releaseCh)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if len(e.ActiveRequests()) != 0 {
		t.Fatal("request not removed after completion")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	e, be := newFake(t, nil)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if e.IsReady() || e.State() != StateDestroyed {
		t.Fatalf("after Close: ready=%v state=%s", e.IsReady(), e.State())
	}
	if be.Models()[0].Closed() != 1 {
		t.Fatalf("model closed %d times", be.Models()[0].Closed())
	}
	if _, err := e.Generate(context.Background(), &Request{Prompt: "x"}, nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Generate after Close err = %v", err)
	}
	if _, err := e.ModelInfo(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("ModelInfo after Close err = %v", err)
	}
	if _, err := e.GenerateBatch(context.Background(), []*Request{{Prompt: "x"}}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("batch after Close err = %v", err)
	}

	var nilEngine *Engine
	if nilEngine.IsReady() || nilEngine.Close() != nil {
		t.Fatal("nil engine misbehaves")
	}
}

func TestReadinessUnderConcurrentReaders(t *testing.T) {
	t.Parallel()
	e, _ := newFake(t, nil)

	var closed atomic.Bool
	g, ctx := errgroup.WithContext(context.Background())
	for range 16 {
		g.Go(func() error {
			sawFalse := false
			for ctx.Err() == nil {
				after := closed.Load()
				ready := e.IsReady()
				if after && ready {
					return errors.New("ready observed after Close returned")
				}
				if sawFalse && ready {
					return errors.New("readiness came back after going false")
				}
				if !ready {
					sawFalse = true
				}
				if after {
					return nil
				}
			}
			return nil
		})
	}
	time.Sleep(5 * time.Millisecond)
	_ = e.Close()
	closed.Store(true)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	e, be := newFake(t, func(m *fake.Model) {
		m.GenerateFunc = func(ctx context.Context, _ *backend.GenerateRequest, _ backend.StreamFunc) (*backend.GenerateResult, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})

	errc := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), &Request{Prompt: "long"}, nil)
		errc <- err
	}()
	<-entered
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, ErrNotReady) {
		t.Fatalf("in-flight request err = %v", err)
	}

	// The model is released only after the request left the backend.
	calls := be.Models()[0].Calls()
	if calls[len(calls)-1] != "close" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestMetricsRecorded(t *testing.T) {
	t.Parallel()
	m := metrics.New(prometheus.NewRegistry())
	e, err := New(context.Background(), DefaultConfig("/m"), fake.New(), WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.EnginesReady); got != 1 {
		t.Fatalf("engines ready = %v", got)
	}
	_, _ = e.Generate(context.Background(), &Request{Prompt: "a b c"}, nil)
	_, _ = e.Generate(context.Background(), &Request{}, nil)
	_ = e.Close()

	if got := testutil.ToFloat64(m.Requests.WithLabelValues(metrics.OpGenerate)); got != 1 {
		t.Fatalf("generate requests = %v", got)
	}
	if got := testutil.ToFloat64(m.Failures.WithLabelValues(metrics.OpGenerate, "invalid")); got != 1 {
		t.Fatalf("invalid failures = %v", got)
	}
	if got := testutil.ToFloat64(m.PromptTokens); got != 3 {
		t.Fatalf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.EnginesReady); got != 0 {
		t.Fatalf("engines ready after close = %v", got)
	}
}

func TestReferenceBackendEndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgJSON := `{"_name_or_path":"toy","vocab_size":300,"hidden_size":16,"num_hidden_layers":1,"max_position_embeddings":2048}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfgJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := New(context.Background(), DefaultConfig(dir), reference.New())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	info, err := e.ModelInfo()
	if err != nil || info.Name != "toy" || info.VocabSize != 300 {
		t.Fatalf("info = %+v, err = %v", info, err)
	}
	req := &Request{RequestID: 4, Prompt: "Hello, world!", MaxNewTokens: 16, Seed: 1}
	a, err := e.Generate(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.Generate(context.Background(), req, nil)
	if a.Text != b.Text || a.OutputTokens > 16 || a.InputTokens != 14 {
		t.Fatalf("a = %+v, b = %+v", a, b)
	}
}
