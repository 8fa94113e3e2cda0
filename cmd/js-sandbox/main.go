// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	jssandbox "github.com/buke/js-sandbox"
	"github.com/buke/js-sandbox/config"
	"github.com/buke/js-sandbox/logger"
	"github.com/buke/js-sandbox/mcpserver"
)

const usage = `Usage:
  js-sandbox [serve] [flags]   run the task server
  js-sandbox run FILE [flags]  run one script and print the task as YAML

Flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "run") {
		cmd, args = args[0], args[1:]
	}

	fs := pflag.NewFlagSet("js-sandbox", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	switch cmd {
	case "run":
		if fs.NArg() != 1 {
			fs.Usage()
			return 2
		}
		return runFile(fs, fs.Arg(0), stdout, stderr)
	default:
		return serve(fs, stderr)
	}
}

func serve(fs *pflag.FlagSet, stderr io.Writer) int {
	app := fx.New(
		// Provide dependencies
		fx.Supply(fs),
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			newStore,
			newRegistry,
			newDispatcher,
			newHTTPServer,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(startTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(stderr, "js-sandbox: %v\n", err)
		return 1
	}

	// Start the application
	app.Run()
	return 0
}

// runFile executes one script on a single-thread dispatcher and prints its
// final view. The exit status is 0 only when the task finished.
func runFile(fs *pflag.FlagSet, path string, stdout, stderr io.Writer) int {
	cfg, err := config.New(fs)
	if err != nil {
		fmt.Fprintf(stderr, "js-sandbox: %v\n", err)
		return 1
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "js-sandbox: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "js-sandbox: %v\n", err)
		return 1
	}

	view, err := runSource(cfg, log, string(source))
	if err != nil {
		fmt.Fprintf(stderr, "js-sandbox: %v\n", err)
		return 1
	}

	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		fmt.Fprintf(stderr, "js-sandbox: %v\n", err)
		return 1
	}
	if err := enc.Close(); err != nil {
		fmt.Fprintf(stderr, "js-sandbox: %v\n", err)
		return 1
	}

	if view.Status != jssandbox.StatusFinished {
		return 1
	}
	return 0
}

func runSource(cfg *config.Config, log *zap.Logger, source string) (jssandbox.TaskView, error) {
	factory, err := newTaskFactory(cfg)
	if err != nil {
		return jssandbox.TaskView{}, err
	}
	d, err := jssandbox.NewDispatcher(
		jssandbox.WithTaskFactory(factory),
		jssandbox.WithLogger(logger.Slog(log)),
		jssandbox.WithPoolSize(1),
		jssandbox.WithShutdownTimeout(cfg.Dispatcher.ShutdownTimeout),
		jssandbox.WithDefaultQuota(cfg.Dispatcher.DefaultQuota),
	)
	if err != nil {
		return jssandbox.TaskView{}, err
	}
	if err := d.Start(); err != nil {
		return jssandbox.TaskView{}, err
	}
	defer func() { _ = d.Stop() }()

	ctx := context.Background()
	task, err := d.Run(ctx, source, 0)
	if err != nil {
		return jssandbox.TaskView{}, err
	}
	for !task.Status().Terminal() {
		time.Sleep(time.Millisecond)
	}
	return d.Get(ctx, task.ID())
}
