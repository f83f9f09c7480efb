package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/keel/internal/engine"
)

type modelReport struct {
	Path                  string        `json:"path"`
	Name                  string        `json:"name"`
	Type                  string        `json:"type"`
	VocabSize             int           `json:"vocab_size"`
	HiddenSize            int           `json:"hidden_size"`
	NumLayers             int           `json:"num_layers"`
	MaxPositionEmbeddings int           `json:"max_position_embeddings"`
	Backend               string        `json:"backend_version"`
	Config                engine.Config `json:"config"`
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Load a model and print what the backend reports about it",
		Flags: engineFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			mi, err := e.ModelInfo()
			if err != nil {
				return exitErr("model info", err)
			}
			return writeJSON(os.Stdout, modelReport{
				Path:                  modelPath,
				Name:                  mi.Name,
				Type:                  mi.Type,
				VocabSize:             mi.VocabSize,
				HiddenSize:            mi.HiddenSize,
				NumLayers:             mi.NumLayers,
				MaxPositionEmbeddings: mi.MaxPositionEmbeddings,
				Backend:               e.BackendVersion(),
				Config:                e.Config(),
			})
		},
	}
}
