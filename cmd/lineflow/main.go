package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags override the layered configuration for every command.
var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level (debug, info, warn, error)",
	},
	&cli.StringFlag{
		Name:    "rules",
		Aliases: []string{"r"},
		Usage:   "YAML file of custom validation rules",
	},
	&cli.StringFlag{
		Name:  "db",
		Usage: "libSQL database path for saved lines",
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "lineflow",
		Usage:   "Assembly flow validation and line analysis",
		Version: version,
		Description: `lineflow validates assembly-line precedence flows and computes their
industrial-engineering metrics. Flow files are YAML or JSON: a line object
(id, name, tasks) or a bare task list.

Examples:
  lineflow validate line.yaml
  lineflow analyze line.yaml --query '.bottleneck_tasks'
  lineflow diagram line.yaml --format png -o line.png
  lineflow serve --listen :8000`,
		Flags: globalFlags,
		Commands: []*cli.Command{
			serveCommand,
			mcpCommand,
			validateCommand,
			analyzeCommand,
			scheduleCommand,
			diagramCommand,
			exampleCommand,
			versionCommand,
		},
	}
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print the version",
	Action: func(c *cli.Context) error {
		fmt.Fprintln(c.App.Writer, version)
		return nil
	},
}
