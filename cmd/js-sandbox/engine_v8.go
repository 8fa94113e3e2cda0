//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	jssandbox "github.com/buke/js-sandbox"
	"github.com/buke/js-sandbox/config"
	v8engine "github.com/buke/js-sandbox/engines/v8go"
)

func init() {
	engines["v8"] = func(cfg *config.Config) jssandbox.TaskFactory {
		return v8engine.NewFactory(
			v8engine.WithExecuteTimeout(cfg.Engine.ExecuteTimeout),
			v8engine.WithPolicy(policy(cfg)),
		)
	}
}
