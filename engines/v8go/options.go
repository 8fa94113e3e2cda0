//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"fmt"
	"io"
	"time"

	jssandbox "github.com/buke/js-sandbox"
)

// DefaultScriptName is the script origin guest code is compiled under.
const DefaultScriptName = "guest.js"

// EngineOption holds specific configurations for the V8 engine.
type EngineOption struct {
	ExecuteTimeout time.Duration    // Wall-clock bound on Execute, 0 means none
	ScriptName     string           // Script origin used in traces
	Output         io.Writer        // External output sink, nil selects an owned buffer
	Policy         jssandbox.Policy // Sandbox policy; its quota is replaced per task
}

// Option configures an EngineOption.
type Option func(*EngineOption) error

func defaultOption() *EngineOption {
	return &EngineOption{
		ScriptName: DefaultScriptName,
		Policy:     jssandbox.DefaultPolicy(1),
	}
}

// WithExecuteTimeout terminates a task that runs longer than timeout.
func WithExecuteTimeout(timeout time.Duration) Option {
	return func(o *EngineOption) error {
		if timeout < 0 {
			return fmt.Errorf("execute timeout must not be negative, got %v", timeout)
		}
		o.ExecuteTimeout = timeout
		return nil
	}
}

// WithScriptName sets the script origin.
// The name must not be empty.
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
func WithOutput(w io.Writer) Option {
	return func(o *EngineOption) error {
		if w == nil {
			return fmt.Errorf("output writer cannot be nil")
		}
		o.Output = w
		return nil
	}
}

// WithPolicy replaces the sandbox policy.
func WithPolicy(p jssandbox.Policy) Option {
	return func(o *EngineOption) error {
		if err := p.WithQuota(1).Validate(); err != nil {
			return err
		}
		o.Policy = p
		return nil
	}
}
