package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			if be, err := backend.New(os.Getenv("KEEL_BACKEND"), backend.Options{}); err == nil {
				info = info.WithBackend(be.Name() + " " + be.Version())
			}
			fmt.Printf("version:    %s\n", info.Version)
			if info.Commit != "" {
				fmt.Printf("commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			if info.Backend != "" {
				fmt.Printf("backend:    %s\n", info.Backend)
			}
			fmt.Printf("backends:   %s\n", backend.Available())
			return nil
		},
	}
}
