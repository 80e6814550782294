package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/rendis/lineflow/internal/analysis"
	"github.com/rendis/lineflow/internal/flowfile"
	"github.com/rendis/lineflow/internal/logging"
	"github.com/rendis/lineflow/internal/service"
	"github.com/rendis/lineflow/internal/store"
	"github.com/rendis/lineflow/internal/streaming"
	"github.com/rendis/lineflow/internal/validation"
	"github.com/rendis/lineflow/pkg/schema"
)

// exitInvalid is the exit code of a flow that fails validation.
const exitInvalid = 1

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Validate a flow file",
	ArgsUsage: "FILE",
	Action: func(c *cli.Context) error {
		env, err := setup(c)
		if err != nil {
			return err
		}
		line, err := loadLine(c)
		if err != nil {
			return err
		}
		svc, err := env.service(nil)
		if err != nil {
			return err
		}

		report := svc.Validate(c.Context, line.Tasks)
		if err := writeJSON(c.App.Writer, report); err != nil {
			return err
		}
		if !report.Valid {
			return cli.Exit("", exitInvalid)
		}
		return nil
	},
}

var analyzeCommand = &cli.Command{
	Name:      "analyze",
	Usage:     "Compute line metrics of a flow file",
	ArgsUsage: "FILE",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "query",
			Aliases: []string{"q"},
			Usage:   "jq expression applied to the output",
		},
		&cli.BoolFlag{
			Name:  "record",
			Usage: "Save the line and record the run in its history",
		},
	},
	Action: func(c *cli.Context) error {
		env, err := setup(c)
		if err != nil {
			return err
		}
		line, err := loadLine(c)
		if err != nil {
			return err
		}

		var backing store.Store
		if c.Bool("record") {
			st, err := openStore(c, env.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			backing = st
		}
		svc, err := env.service(backing)
		if err != nil {
			return err
		}

		var out any
		if backing != nil {
			ctx := logging.WithOrigin(c.Context, "cli")
			if _, err := svc.SaveLine(ctx, line); err != nil {
				return err
			}
			rec, err := svc.AnalyzeSaved(ctx, line.ID)
			if err != nil {
				return err
			}
			if !rec.Valid {
				printErrors(c.App.ErrWriter, rec.Errors)
				return cli.Exit("", exitInvalid)
			}
			out = rec
		} else {
			a, err := svc.Analyze(c.Context, line)
			if errs, ok := service.ValidationErrors(err); ok {
				printErrors(c.App.ErrWriter, errs)
				return cli.Exit("", exitInvalid)
			}
			if err != nil {
				return err
			}
			out = a
		}

		if q := c.String("query"); q != "" {
			if out, err = svc.Query(c.Context, out, q); err != nil {
				return err
			}
		}
		return writeJSON(c.App.Writer, out)
	},
}

var scheduleCommand = &cli.Command{
	Name:      "schedule",
	Usage:     "Print the critical-path schedule of a flow file",
	ArgsUsage: "FILE",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "table",
			Usage: "Print a table instead of JSON",
		},
	},
	Action: func(c *cli.Context) error {
		env, err := setup(c)
		if err != nil {
			return err
		}
		line, err := loadLine(c)
		if err != nil {
			return err
		}
		svc, err := env.service(nil)
		if err != nil {
			return err
		}

		sched, err := svc.Schedule(c.Context, line)
		if errs, ok := service.ValidationErrors(err); ok {
			printErrors(c.App.ErrWriter, errs)
			return cli.Exit("", exitInvalid)
		}
		if err != nil {
			return err
		}
		if c.Bool("table") {
			return writeScheduleTable(c.App.Writer, sched)
		}
		return writeJSON(c.App.Writer, sched)
	},
}

var diagramCommand = &cli.Command{
	Name:      "diagram",
	Usage:     "Draw a flow file",
	ArgsUsage: "FILE",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Output format: mermaid, ascii, dot, svg or png",
			Value:   "mermaid",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Write to a file instead of stdout",
		},
	},
	Action: func(c *cli.Context) error {
		env, err := setup(c)
		if err != nil {
			return err
		}
		line, err := loadLine(c)
		if err != nil {
			return err
		}
		svc, err := env.service(nil)
		if err != nil {
			return err
		}

		out, _, err := svc.Diagram(c.Context, line, c.String("format"))
		if err != nil {
			return err
		}
		if path := c.String("output"); path != "" {
			return os.WriteFile(path, out, 0o644)
		}
		_, err = c.App.Writer.Write(out)
		return err
	},
}

var exampleCommand = &cli.Command{
	Name:  "example",
	Usage: "Print the example assembly line",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "format",
			Usage: "json or yaml",
			Value: "json",
		},
	},
	Action: func(c *cli.Context) error {
		line := service.ExampleLine()
		switch strings.ToLower(c.String("format")) {
		case "json":
			return writeJSON(c.App.Writer, line)
		case "yaml", "yml":
			enc := yaml.NewEncoder(c.App.Writer)
			enc.SetIndent(2)
			if err := enc.Encode(line); err != nil {
				return err
			}
			return enc.Close()
		}
		return fmt.Errorf("unsupported format %q (want json or yaml)", c.String("format"))
	},
}

// --- helpers ---

// cliEnv is the resolved configuration and logger of one invocation.
type cliEnv struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger
	events streaming.EventHub // set by serve only
}

func setup(c *cli.Context) (*cliEnv, error) {
	cfg := loadConfig()
	applyGlobalFlags(c, &cfg)

	lvl, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)
	return &cliEnv{
		cfg:    cfg,
		level:  level,
		logger: logging.New(c.App.ErrWriter, level),
	}, nil
}

func applyGlobalFlags(c *cli.Context, cfg *Config) {
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("rules") {
		cfg.RulesFile = c.String("rules")
	}
	if c.IsSet("db") {
		cfg.DBPath = c.String("db")
	}
}

// service builds a FlowService. st may be nil for stateless commands.
func (e *cliEnv) service(st store.Store) (*service.FlowService, error) {
	var rules *validation.RuleSet
	if e.cfg.RulesFile != "" {
		rs, err := validation.LoadRules(e.cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = rs
	}
	return service.New(service.Config{
		Store:     st,
		Rules:     rules,
		CacheSize: e.cfg.CacheSize,
		Events:    e.events,
		Logger:    e.logger,
	})
}

// openStore opens and migrates the configured database.
func openStore(c *cli.Context, cfg Config) (*store.LibSQLStore, error) {
	dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(c.Context); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func loadLine(c *cli.Context) (schema.AssemblyLine, error) {
	if c.NArg() != 1 {
		return schema.AssemblyLine{}, cli.Exit(fmt.Sprintf("usage: lineflow %s FILE", c.Command.Name), 2)
	}
	loader, err := flowfile.NewLoader()
	if err != nil {
		return schema.AssemblyLine{}, err
	}
	return loader.LoadFile(c.Args().First())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printErrors(w io.Writer, errs []string) {
	fmt.Fprintln(w, "flow is invalid:")
	for _, e := range errs {
		fmt.Fprintf(w, "  - %s\n", e)
	}
}

func writeScheduleTable(w io.Writer, sched *analysis.CPMSchedule) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tDURATION\tES\tEF\tLS\tLF\tSLACK\tCRITICAL")
	for _, t := range sched.Tasks {
		mark := ""
		if t.Critical {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%g\t%g\t%g\t%g\t%g\t%g\t%s\n",
			t.TaskID, t.Duration, t.ES, t.EF, t.LS, t.LF, t.Slack, mark)
	}
	fmt.Fprintf(tw, "\nduration: %g\tcritical path: %s\n", sched.Duration, strings.Join(sched.CriticalPath, " → "))
	return tw.Flush()
}
