//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tommie/v8go"

	jssandbox "github.com/buke/js-sandbox"
	"github.com/buke/js-sandbox/instrument"
)

var (
	// Make these functions variables so they can be mocked in tests.
	v8NewIsolate = v8go.NewIsolate
	v8NewContext = v8go.NewContext

	flagsOnce sync.Once
)

var errorPrefix = regexp.MustCompile(`^(Uncaught )?([A-Za-z]*Error: )?`)

var _ jssandbox.Task = (*Task)(nil)

// Task runs one guest script in its own V8 isolate. The isolate is created
// by Execute on the goroutine that runs the script and disposed before
// Execute returns, so it is never touched by two threads.
type Task struct {
	*jssandbox.TaskBase

	option   *EngineOption
	policy   jssandbox.Policy
	script   *instrument.Result
	executed atomic.Int64

	mu  sync.Mutex    // Guards iso against disposal during termination
	iso *v8go.Isolate // Non-nil only while Execute owns a live isolate
}

// NewFactory creates a new jssandbox.TaskFactory for the V8 engine.
func NewFactory(opts ...Option) jssandbox.TaskFactory {
	return func(source string, quota int64) (jssandbox.Task, error) {
		return NewTask(source, quota, opts...)
	}
}

// NewTask validates and instruments source. Syntax errors are reported here
// as *jssandbox.CompilationError.
func NewTask(source string, quota int64, opts ...Option) (*Task, error) {
	option := defaultOption()
	for _, opt := range opts {
		if err := opt(option); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	policy := option.Policy.WithQuota(quota)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	script, err := instrument.Instrument(option.ScriptName, source)
	if err != nil {
		return nil, err
	}

	flagsOnce.Do(func() {
		v8go.SetFlags("--disallow-code-generation-from-strings")
	})

	return &Task{
		TaskBase: jssandbox.NewTaskBase(source, quota, option.Output, policy.MaxOutputBytes),
		option:   option,
		policy:   policy,
		script:   script,
	}, nil
}

// Execute creates the isolate, runs the guest script and disposes the isolate.
func (t *Task) Execute() error {
	if err := t.Begin(); err != nil {
		return err
	}

	iso := v8NewIsolate()
	if iso == nil {
		_ = t.halt()
		return fmt.Errorf("failed to create v8 isolate")
	}
	t.mu.Lock()
	t.iso = iso
	t.mu.Unlock()
	defer t.release(iso)

	ctx := v8NewContext(iso, t.globals(iso))
	if ctx == nil {
		_ = t.halt()
		return fmt.Errorf("failed to create v8 context")
	}
	defer ctx.Close()

	if t.option.ExecuteTimeout > 0 {
		timer := time.AfterFunc(t.option.ExecuteTimeout, func() {
			_ = t.halt()
		})
		defer timer.Stop()
	}

	if t.Status() == jssandbox.StatusRunning {
		if _, err := ctx.RunScript(t.script.Source, t.script.Name); err != nil && t.Status() == jssandbox.StatusRunning {
			t.report(err)
		}
	}
	if err := t.Finish(); err != nil && !errors.Is(err, jssandbox.ErrStateConflict) {
		return err
	}
	return nil
}

// Cancel moves the task to CANCELED and terminates the isolate if it is running.
func (t *Task) Cancel() error {
	return t.halt()
}

// Executed returns the number of statements counted so far.
func (t *Task) Executed() int64 {
	return t.executed.Load()
}

// halt cancels the task and terminates the running script, if any.
func (t *Task) halt() error {
	if _, err := t.CancelLifecycle(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.iso != nil {
		t.iso.TerminateExecution()
	}
	return nil
}

func (t *Task) release(iso *v8go.Isolate) {
	t.mu.Lock()
	t.iso = nil
	t.mu.Unlock()
	iso.Dispose()
}

// globals builds the global template: the quota hook plus allowed bindings,
// all read-only and non-deletable.
func (t *Task) globals(iso *v8go.Isolate) *v8go.ObjectTemplate {
	global := v8go.NewObjectTemplate(iso)
	attrs := []v8go.PropertyAttribute{v8go.ReadOnly, v8go.DontDelete}

	hook := v8go.NewFunctionTemplate(iso, func(*v8go.FunctionCallbackInfo) *v8go.Value {
		if t.executed.Add(1) > t.Quota() {
			_ = t.halt()
		}
		// A cancel that landed before the script started may have terminated
		// nothing, so every later statement boundary terminates again.
		if t.Status() != jssandbox.StatusRunning {
			iso.TerminateExecution()
		}
		return nil
	})
	_ = global.Set(t.script.Hook, hook, attrs...)

	if t.policy.Allows(jssandbox.BindingConsole) {
		console := v8go.NewObjectTemplate(iso)
		for _, name := range []string{"log", "info", "debug", "warn", "error"} {
			_ = console.Set(name, v8go.NewFunctionTemplate(iso, t.printer), attrs...)
		}
		_ = global.Set(jssandbox.BindingConsole, console, attrs...)
	}
	if t.policy.Allows(jssandbox.BindingPrint) {
		_ = global.Set(jssandbox.BindingPrint, v8go.NewFunctionTemplate(iso, t.printer), attrs...)
	}
	return global
}

func (t *Task) printer(info *v8go.FunctionCallbackInfo) *v8go.Value {
	args := info.Args()
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = arg.String()
	}
	_, _ = io.WriteString(t.Writer(), strings.Join(parts, " ")+"\n")
	return nil
}

// report writes the failure message and the guest part of its stack.
func (t *Task) report(err error) {
	msg := err.Error()
	var frames []jssandbox.Frame
	var jsErr *v8go.JSError
	if errors.As(err, &jsErr) {
		msg = jsErr.Message
		frames = jssandbox.ParseV8Stack(jsErr.StackTrace, t.script.Name)
		for i := range frames {
			if frames[i].Origin == jssandbox.OriginGuest {
				frames[i].Line, frames[i].Column = t.script.Map.Original(frames[i].Line, frames[i].Column)
			}
		}
	}
	msg = errorPrefix.ReplaceAllString(msg, "")
	_, _ = io.WriteString(t.Writer(), jssandbox.SanitizeTrace(msg, frames)+"\n")
}
