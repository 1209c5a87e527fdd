package main

import (
	"context"
	"fmt"
	"os"

	cliframework "github.com/urfave/cli/v3"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/cli"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/mcpserver"
)

func main() {
	app := &cliframework.Command{
		Name:    "quadscale",
		Usage:   "Serialized ink-channel scaling with telemetry and sync audit",
		Version: mcpserver.Version,
		Commands: []*cliframework.Command{
			cli.ServeCommand(),
			cli.ScaleCommand(),
			cli.StressCommand(),
			cli.DoctorCommand(mcpserver.Version),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ error: %v\n", err)
		os.Exit(1)
	}
}
