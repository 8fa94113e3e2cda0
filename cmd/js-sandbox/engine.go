// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	jssandbox "github.com/buke/js-sandbox"
	"github.com/buke/js-sandbox/config"
	gojaengine "github.com/buke/js-sandbox/engines/goja"
)

// engines maps engine.name to a factory builder. Platform-specific engines
// register themselves from build-tagged files.
var engines = map[string]func(cfg *config.Config) jssandbox.TaskFactory{
	"goja": newGojaFactory,
}

func newTaskFactory(cfg *config.Config) (jssandbox.TaskFactory, error) {
	build, ok := engines[cfg.Engine.Name]
	if !ok {
		return nil, fmt.Errorf("engine %q is not available on this platform", cfg.Engine.Name)
	}
	return build(cfg), nil
}

// policy is the default policy with the configured output limit.
func policy(cfg *config.Config) jssandbox.Policy {
	p := jssandbox.DefaultPolicy(cfg.Dispatcher.DefaultQuota)
	p.MaxOutputBytes = cfg.Engine.MaxOutputBytes
	return p
}

func newGojaFactory(cfg *config.Config) jssandbox.TaskFactory {
	return gojaengine.NewFactory(
		gojaengine.WithExecuteTimeout(cfg.Engine.ExecuteTimeout),
		gojaengine.WithMaxCallStackSize(cfg.Engine.MaxCallStackSize),
		gojaengine.WithPolicy(policy(cfg)),
	)
}
