package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/keel/internal/backend"
	_ "github.com/samcharles93/keel/internal/backend/fake"
	_ "github.com/samcharles93/keel/internal/backend/reference"
	"github.com/samcharles93/keel/internal/engine"
	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/logger"
	"github.com/samcharles93/keel/internal/metrics"
)

var (
	cfgFile  Config
	registry = prometheus.NewRegistry()
	stats    = metrics.New(registry)
)

func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfgFile = LoadConfig()
	applyLoggingConfig(cmd, cfgFile)
	if debug {
		logLevel = "debug"
	}
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, cli.Exit(err.Error(), 1)
	}
	log := logger.New(format.Handler(os.Stderr, logger.ParseLevel(logLevel)))
	return logger.WithContext(ctx, log), nil
}

func teardown(ctx context.Context, cmd *cli.Command) error {
	if metricsOut == "" {
		return nil
	}
	if metricsOut == "-" {
		return writeMetrics(os.Stderr, registry)
	}
	f, err := os.Create(metricsOut)
	if err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := writeMetrics(f, registry); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// writeMetrics encodes everything gathered from g in the text exposition
// format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}

// engineConfig builds the engine config from flags after config file
// defaults have been applied.
func engineConfig() engine.Config {
	cfg := engine.DefaultConfig(modelPath)
	cfg.ModelFormat = modelFormat
	cfg.WeightType = weightType
	cfg.TensorParallel = int(tp)
	cfg.SessionLen = int(sessionLen)
	cfg.MaxBatchSize = int(maxBatchSize)
	cfg.DeviceID = int(deviceID)
	return cfg
}

func openBackend(log logger.Logger) (backend.Backend, error) {
	be, err := backend.New(backendName, backend.Options{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("%w (available: %s)", err, backend.Available())
	}
	return be, nil
}

// validBackend accepts "auto" and every registered backend name.
func validBackend(name string) error {
	if n := strings.ToLower(strings.TrimSpace(name)); n == "" || n == backend.Auto || backend.Has(n) {
		return nil
	}
	return fmt.Errorf("unknown backend %q (available: %s)", name, backend.Available())
}

// openEngine loads the model named by the flags and waits until it is
// ready.
func openEngine(ctx context.Context, cmd *cli.Command) (*engine.Engine, error) {
	applyEngineConfig(cmd, cfgFile)
	if strings.TrimSpace(modelPath) == "" {
		return nil, cli.Exit("error: --model is required", 1)
	}
	log := logger.FromContext(ctx)
	be, err := openBackend(log)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	start := time.Now()
	e, err := engine.New(ctx, engineConfig(), be, engine.WithLogger(log), engine.WithMetrics(stats))
	if err != nil {
		return nil, exitErr("load model", err)
	}
	if err := waitReady(ctx, e, 30*time.Second); err != nil {
		_ = e.Close()
		return nil, exitErr("load model", err)
	}
	log.Info("model loaded", "path", modelPath, "backend", be.Name(), "took", time.Since(start).Round(time.Millisecond))
	return e, nil
}

// readiness is the part of *engine.Engine waitReady polls.
type readiness interface {
	IsReady() bool
}

// waitReady polls r until it reports ready, the timeout passes or ctx ends.
func waitReady(ctx context.Context, r readiness, timeout time.Duration) error {
	if r.IsReady() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return errdefs.NotReady("engine not ready after %s", timeout)
		case <-tick.C:
			if r.IsReady() {
				return nil
			}
		}
	}
}

// exitErr turns err into a cli exit error whose status is the error's
// category code.
func exitErr(op string, err error) error {
	code := errdefs.Code(err)
	if code == errdefs.CodeOK {
		code = errdefs.CodeUnknown
	}
	return cli.Exit(fmt.Sprintf("error: %s: %v", op, err), code)
}

func (s *sampling) request(prompt string) *engine.Request {
	return &engine.Request{
		Prompt:            prompt,
		MaxNewTokens:      int(s.maxNewTokens),
		Temperature:       float32(s.temperature),
		TopP:              float32(s.topP),
		TopK:              int(s.topK),
		RepetitionPenalty: float32(s.repeatPenalty),
		Seed:              s.seed,
	}
}
