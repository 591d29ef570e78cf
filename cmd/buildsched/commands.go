package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"buildsched/internal/app"
)

var errBuildFailed = errors.New("build failed")

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the config file (YAML or JSON); buildsched.yaml/.yml/.json in the working directory by default",
			EnvVars: []string{"BUILDSCHED_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Usage:   "Build file, overrides build.file",
		},
		&cli.IntFlag{
			Name:    "jobs",
			Aliases: []string{"j"},
			Usage:   "Number of workers, overrides build.jobs",
		},
		&cli.BoolFlag{
			Name:    "keep-going",
			Aliases: []string{"k"},
			Usage:   "Keep running independent tasks after a failure",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "trace, debug, info, warn or error",
			EnvVars: []string{"BUILDSCHED_LOG_LEVEL"},
		},
	}
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:   "build",
		Usage:  "Run the build once (default)",
		Action: buildAction,
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "Print the groups and batches without running anything",
		Action: func(cCtx *cli.Context) error {
			a, err := open(cCtx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.List(cCtx.App.Writer)
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Build, then rebuild whenever the config, the build file or watch.paths change",
		Action: func(cCtx *cli.Context) error {
			a, err := open(cCtx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Watch(cCtx.Context)
		},
	}
}

func cronCommand() *cli.Command {
	return &cli.Command{
		Name:  "cron",
		Usage: "Rebuild on schedule.spec",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "schedule",
				Usage: `Overrides schedule.spec, e.g. "*/15 * * * *", "every:10m" or "daily:03:00"`,
			},
			&cli.BoolFlag{
				Name:  "now",
				Usage: "Build immediately instead of waiting for the first firing",
			},
		},
		Action: func(cCtx *cli.Context) error {
			a, err := open(cCtx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Cron(cCtx.Context, cCtx.Bool("now"))
		},
	}
}

func buildAction(cCtx *cli.Context) error {
	if cCtx.Args().Present() {
		return fmt.Errorf("unknown command %q", cCtx.Args().First())
	}
	a, err := open(cCtx)
	if err != nil {
		return err
	}
	defer a.Close()
	sum, err := a.Build(cCtx.Context)
	if err != nil && sum.Total == 0 {
		// Nothing ran: a load or setup error.
		return err
	}
	if err != nil || !sum.OK() {
		return errBuildFailed
	}
	return nil
}

func open(cCtx *cli.Context) (*app.App, error) {
	return app.New(app.Options{
		ConfigPath: configPath(cCtx.String("config")),
		File:       cCtx.String("file"),
		Jobs:       cCtx.Int("jobs"),
		KeepGoing:  cCtx.Bool("keep-going"),
		LogLevel:   cCtx.String("log-level"),
		Schedule:   cCtx.String("schedule"),
		Out:        cCtx.App.Writer,
	})
}

func configPath(flag string) string {
	if strings.TrimSpace(flag) != "" {
		return flag
	}
	for _, p := range []string{"buildsched.yaml", "buildsched.yml", "buildsched.json"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
