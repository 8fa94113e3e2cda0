// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"fmt"
	"io"
	"time"

	jssandbox "github.com/buke/js-sandbox"
)

// DefaultScriptName is the name guest code is compiled under.
const DefaultScriptName = "guest.js"

// DefaultMaxCallStackSize bounds guest recursion unless configured otherwise.
const DefaultMaxCallStackSize = 1024

// EngineOption holds configuration for Goja-backed tasks.
type EngineOption struct {
	MaxCallStackSize int              // Maximum guest call depth, 0 or less means no limit
	ExecuteTimeout   time.Duration    // Wall-clock bound on Execute, 0 means none
	ScriptName       string           // Script name used in traces
	Output           io.Writer        // External output sink, nil selects an owned buffer
	Policy           jssandbox.Policy // Sandbox policy; its quota is replaced per task
}

// Option configures an EngineOption.
type Option func(*EngineOption) error

func defaultOption() *EngineOption {
	return &EngineOption{
		MaxCallStackSize: DefaultMaxCallStackSize,
		ScriptName:       DefaultScriptName,
		Policy:           jssandbox.DefaultPolicy(1),
	}
}

// WithMaxCallStackSize sets the maximum call stack size for the runtime.
// A value of 0 or less means no limit.
func WithMaxCallStackSize(size int) Option {
	return func(o *EngineOption) error {
		o.MaxCallStackSize = size
		return nil
	}
}

// WithExecuteTimeout cancels a task that runs longer than timeout.
func WithExecuteTimeout(timeout time.Duration) Option {
	return func(o *EngineOption) error {
		if timeout < 0 {
			return fmt.Errorf("execute timeout must not be negative, got %v", timeout)
		}
		o.ExecuteTimeout = timeout
		return nil
	}
}

// WithScriptName sets the name guest code is compiled under.
func WithScriptName(name string) Option {
	return func(o *EngineOption) error {
		if name == "" {
			return fmt.Errorf("script name cannot be empty")
		}
		o.ScriptName = name
		return nil
	}
}

// WithOutput sends guest output to w instead of an owned buffer.
// Task.Output then returns an empty string.
func WithOutput(w io.Writer) Option {
	return func(o *EngineOption) error {
		if w == nil {
			return fmt.Errorf("output writer cannot be nil")
		}
		o.Output = w
		return nil
	}
}

// WithPolicy replaces the sandbox policy. The statement quota of the policy
// is ignored; every task uses its own.
func WithPolicy(p jssandbox.Policy) Option {
	return func(o *EngineOption) error {
		if err := p.WithQuota(1).Validate(); err != nil {
			return err
		}
		o.Policy = p
		return nil
	}
}
