package main

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/keel/internal/engine"
	"github.com/samcharles93/keel/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		s           sampling
		prompt      string
		requests    int64
		concurrency int64
		warmup      int64
	)
	flags := append(engineFlags(), samplingFlags(&s)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text for every request",
			Value:       "Explain the theory of relativity in simple terms.",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "requests",
			Usage:       "number of measured requests",
			Value:       8,
			Destination: &requests,
		},
		&cli.Int64Flag{
			Name:        "concurrency",
			Usage:       "requests in flight at once",
			Value:       2,
			Destination: &concurrency,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup requests",
			Value:       1,
			Destination: &warmup,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure generation throughput",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if requests < 1 || concurrency < 1 {
				return cli.Exit("error: --requests and --concurrency must be positive", 1)
			}
			applySamplingConfig(cmd, cfgFile, &s)
			if !cmd.IsSet("max-new-tokens") && s.maxNewTokens == 0 {
				s.maxNewTokens = 64
			}
			log := logger.FromContext(ctx)

			loadStart := time.Now()
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()
			loadDuration := time.Since(loadStart)

			for i := range int(warmup) {
				log.Info("warmup run", "run", i+1)
				if _, err := e.Generate(ctx, s.request(prompt), nil); err != nil {
					return exitErr(fmt.Sprintf("warmup run %d", i+1), err)
				}
			}

			res, err := runBench(ctx, e, s, prompt, int(requests), int(concurrency))
			if err != nil {
				return exitErr("bench", err)
			}

			fmt.Println("=== keel bench ===")
			fmt.Printf("Model:       %s\n", modelPath)
			fmt.Printf("Backend:     %s %s\n", backendName, e.BackendVersion())
			fmt.Printf("CPUs:        %d\n", runtime.NumCPU())
			fmt.Printf("Load:        %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Requests:    %d (concurrency %d)\n", requests, concurrency)
			fmt.Printf("Prompt tok:  %d\n", res.promptTokens)
			fmt.Printf("Output tok:  %d\n", res.outputTokens)
			fmt.Printf("Wall:        %s\n", res.wall.Round(time.Millisecond))
			fmt.Printf("Throughput:  %.2f tok/s\n", tokensPerSecond(int(res.outputTokens), res.wall))
			return nil
		},
	}
}

type benchResult struct {
	promptTokens int64
	outputTokens int64
	wall         time.Duration
}

// runBench sends n copies of prompt with at most c in flight and stops at
// the first failure.
func runBench(ctx context.Context, e *engine.Engine, s sampling, prompt string, n, c int) (benchResult, error) {
	var res benchResult
	var in, out atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c)

	start := time.Now()
	for range n {
		g.Go(func() error {
			resp, err := e.Generate(gctx, s.request(prompt), nil)
			if err != nil {
				return err
			}
			in.Add(int64(resp.InputTokens))
			out.Add(int64(resp.OutputTokens))
			return nil
		})
	}
	err := g.Wait()
	res.wall = time.Since(start)
	res.promptTokens = in.Load()
	res.outputTokens = out.Load()
	return res, err
}

func tokensPerSecond(tokens int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}
