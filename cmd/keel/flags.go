package main

import "github.com/urfave/cli/v3"

var (
	modelPath    string
	backendName  string
	weightType   string
	modelFormat  string
	tp           int64
	sessionLen   int64
	maxBatchSize int64
	deviceID     int64
	logLevel     string
	logFormat    string
	debug        bool
	metricsOut   string
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the model directory",
			Sources:     cli.EnvVars("KEEL_MODEL"),
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "inference backend (auto, reference, fake)",
			Value:       "auto",
			Sources:     cli.EnvVars("KEEL_BACKEND"),
			Destination: &backendName,
			Validator:   validBackend,
		},
		&cli.StringFlag{
			Name:        "weight-type",
			Usage:       "weight precision (half, bf16, fp32, int4, int8)",
			Value:       "half",
			Destination: &weightType,
		},
		&cli.StringFlag{
			Name:        "model-format",
			Usage:       "model format (hf, awq, gptq, mcf)",
			Value:       "hf",
			Destination: &modelFormat,
		},
		&cli.Int64Flag{
			Name:        "tp",
			Usage:       "tensor parallel degree",
			Value:       1,
			Destination: &tp,
		},
		&cli.Int64Flag{
			Name:        "session-len",
			Aliases:     []string{"ctx"},
			Usage:       "max tokens per session",
			Value:       2048,
			Destination: &sessionLen,
		},
		&cli.Int64Flag{
			Name:        "max-batch-size",
			Usage:       "max requests per batch",
			Value:       32,
			Destination: &maxBatchSize,
		},
		&cli.Int64Flag{
			Name:        "device",
			Usage:       "first device id",
			Destination: &deviceID,
		},
	}
}

type sampling struct {
	maxNewTokens  int64
	temperature   float64
	topK          int64
	topP          float64
	repeatPenalty float64
	seed          int64
}

func samplingFlags(s *sampling) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n", "steps"},
			Usage:       "tokens to generate (0 = default)",
			Destination: &s.maxNewTokens,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (0 = default)",
			Destination: &s.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling (0 = default)",
			Destination: &s.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p sampling (0 = default)",
			Destination: &s.topP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "repetition penalty (0 = default)",
			Destination: &s.repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed (0 = derive from the request id)",
			Destination: &s.seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "metrics",
			Usage:       "write Prometheus metrics to this file on exit (- for stderr)",
			Destination: &metricsOut,
		},
	}
}
