package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/keel/internal/engine"
	"github.com/samcharles93/keel/internal/logger"
)

func generateCmd() *cli.Command {
	var (
		s         sampling
		prompt    string
		stream    bool
		stopWords []string
		asJSON    bool
	)
	flags := append(engineFlags(), samplingFlags(&s)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (or pass it as the argument)",
			Destination: &prompt,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "print text as it is generated",
			Value:       true,
			Destination: &stream,
		},
		&cli.StringSliceFlag{
			Name:        "stop",
			Usage:       "stop generation at this text (repeatable)",
			Destination: &stopWords,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the response as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:      "generate",
		Aliases:   []string{"gen"},
		Usage:     "Generate text for one prompt",
		ArgsUsage: "[prompt]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if prompt == "" {
				prompt = strings.Join(cmd.Args().Slice(), " ")
			}
			if prompt == "" {
				return cli.Exit("error: a prompt is required", 1)
			}
			applySamplingConfig(cmd, cfgFile, &s)

			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			req := s.request(prompt)
			req.StopWords = stopWords
			req.Stream = stream && !asJSON
			out := bufio.NewWriter(os.Stdout)
			defer func() { _ = out.Flush() }()

			resp, err := e.Generate(ctx, req, func(piece string) {
				_, _ = out.WriteString(piece)
				_ = out.Flush()
			})
			if err != nil {
				return exitErr("generate", err)
			}
			if asJSON {
				return writeJSON(out, resp)
			}
			if !req.Stream {
				_, _ = out.WriteString(resp.Text)
			}
			_, _ = out.WriteString("\n")
			logger.FromContext(ctx).Info("generate done",
				"request_id", resp.RequestID,
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
				"finish_reason", resp.FinishReason,
				"tok_per_sec", tokensPerSecond(resp.OutputTokens, resp.Duration),
			)
			return nil
		},
	}
}

func batchCmd() *cli.Command {
	var (
		s    sampling
		file string
	)
	flags := append(engineFlags(), samplingFlags(&s)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "prompts, one per line, or a .json array of strings (- for stdin)",
			Value:       "-",
			Destination: &file,
		},
	)

	return &cli.Command{
		Name:  "batch",
		Usage: "Generate for a list of prompts, stopping at the first failure",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			prompts, err := readPrompts(file, os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read prompts: %v", err), 1)
			}
			if len(prompts) == 0 {
				return cli.Exit("error: no prompts", 1)
			}
			applySamplingConfig(cmd, cfgFile, &s)

			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			reqs := make([]*engine.Request, len(prompts))
			for i, p := range prompts {
				reqs[i] = s.request(p)
			}
			resps, err := e.GenerateBatch(ctx, reqs)
			out := bufio.NewWriter(os.Stdout)
			defer func() { _ = out.Flush() }()
			for _, r := range resps {
				if werr := writeJSON(out, r); werr != nil {
					return werr
				}
			}
			if err != nil {
				var berr *engine.BatchError
				if errors.As(err, &berr) {
					return exitErr(fmt.Sprintf("batch item %d", berr.Index), berr.Err)
				}
				return exitErr("batch", err)
			}
			return nil
		},
	}
}

// readPrompts reads prompts from path ("-" is stdin). A .json file holds an
// array of strings; anything else has one prompt per non-blank line.
func readPrompts(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var prompts []string
		if err := json.NewDecoder(r).Decode(&prompts); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return prompts, nil
	}

	var prompts []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			prompts = append(prompts, line)
		}
	}
	return prompts, sc.Err()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
