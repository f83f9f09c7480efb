package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/keel/internal/logger"
	"github.com/samcharles93/keel/internal/session"
)

func chatCmd() *cli.Command {
	var (
		s         sampling
		minNew    int64
		sessionID uint64
	)
	flags := append(engineFlags(), samplingFlags(&s)...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "min-new-tokens",
			Usage:       "tokens to generate before end-of-sequence is allowed",
			Destination: &minNew,
		},
		&cli.Uint64Flag{
			Name:        "session-id",
			Usage:       "session id (default: random)",
			Destination: &sessionID,
		},
	)

	return &cli.Command{
		Name:  "chat",
		Usage: "Multi-turn session on the low-level model path; one line per turn",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyEngineConfig(cmd, cfgFile)
			applySamplingConfig(cmd, cfgFile, &s)
			if strings.TrimSpace(modelPath) == "" {
				return cli.Exit("error: --model is required", 1)
			}
			log := logger.FromContext(ctx)

			be, err := openBackend(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			doc, err := sessionConfig()
			if err != nil {
				return exitErr("config", err)
			}
			m, err := session.Open(ctx, be, modelPath, doc, weightType,
				session.WithLogger(log), session.WithMetrics(stats))
			if err != nil {
				return exitErr("open model", err)
			}
			defer func() { _ = m.Close() }()
			if err := m.Build(); err != nil {
				return exitErr("build model", err)
			}
			in, err := m.CreateInstance(int(deviceID))
			if err != nil {
				return exitErr("create instance", err)
			}

			if sessionID == 0 {
				sessionID = newSessionID()
			}
			gen := session.GenerationConfig{
				MaxNewTokens:      int(s.maxNewTokens),
				MinNewTokens:      int(minNew),
				TopP:              float32(s.topP),
				TopK:              int(s.topK),
				Temperature:       float32(s.temperature),
				RepetitionPenalty: float32(s.repeatPenalty),
				RandomSeed:        s.seed,
			}
			conv := in.NewConversation(sessionID, gen)
			defer func() { _ = conv.Close() }()
			log.Info("chat ready", "session_id", sessionID, "device", in.Device())

			return chatLoop(ctx, conv, os.Stdin, os.Stdout)
		},
	}
}

// turn is the part of *session.Conversation the chat loop drives.
type turn interface {
	Send(ctx context.Context, text string, stream func(string)) (string, error)
}

// chatLoop sends each input line as one turn until EOF or "/exit".
func chatLoop(ctx context.Context, c turn, in io.Reader, out io.Writer) error {
	w := bufio.NewWriter(out)
	defer func() { _ = w.Flush() }()
	sc := bufio.NewScanner(in)
	for {
		_, _ = w.WriteString("> ")
		_ = w.Flush()
		if !sc.Scan() {
			_, _ = w.WriteString("\n")
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		if _, err := c.Send(ctx, line, func(piece string) {
			_, _ = w.WriteString(piece)
			_ = w.Flush()
		}); err != nil {
			return exitErr("chat", err)
		}
		_, _ = w.WriteString("\n")
	}
}

// sessionConfig renders the engine flags as a session config document.
func sessionConfig() (string, error) {
	c := session.DefaultEngineConfig()
	c.ModelFormat = modelFormat
	c.TensorParallel = int(tp)
	c.SessionLen = int(sessionLen)
	c.MaxBatchSize = int(maxBatchSize)
	c.DeviceID = int(deviceID)
	data, err := c.ToJSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// newSessionID derives a non-zero 64-bit id from a random UUID.
func newSessionID() uint64 {
	u := uuid.New()
	id := binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:])
	if id == 0 {
		id = 1
	}
	return id
}
