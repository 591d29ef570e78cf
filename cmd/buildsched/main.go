package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	logx "buildsched/pkg/logx"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newApp().RunContext(ctx, os.Args)
	if err == nil {
		return
	}
	// The summary already explains a failed build. Other errors may come
	// before the config (and its logger) was loaded.
	if !errors.Is(err, errBuildFailed) {
		logx.NewConsole(os.Getenv("BUILDSCHED_LOG_LEVEL")).Error("buildsched failed", logx.Err(err))
	}
	cancel()
	os.Exit(1)
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "buildsched",
		Usage: "Run a build file's tasks in parallel, skipping what is up to date",
		Description: `Tasks are read from a YAML, JSON or HCL build file, grouped, ordered by
their kinds and extensions, and run on a fixed number of workers. Tasks whose
inputs and command did not change since their last successful run are skipped.

Example:
  buildsched -j 8 build
  buildsched -f build.hcl list
  buildsched watch`,
		Flags:  globalFlags(),
		Action: buildAction,
		Commands: []*cli.Command{
			buildCommand(),
			listCommand(),
			watchCommand(),
			cronCommand(),
		},
	}
}
