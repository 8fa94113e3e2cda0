// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"

	jssandbox "github.com/buke/js-sandbox"
	"github.com/buke/js-sandbox/instrument"
)

var _ jssandbox.Task = (*Task)(nil)

// Task runs one guest script in its own goja.Runtime.
type Task struct {
	*jssandbox.TaskBase

	option   *EngineOption
	script   *instrument.Result
	program  *goja.Program
	vm       atomic.Pointer[goja.Runtime] // Nil once the runtime is released
	executed atomic.Int64                 // Statements counted so far
}

// NewFactory returns a jssandbox.TaskFactory creating Goja tasks with opts.
func NewFactory(opts ...Option) jssandbox.TaskFactory {
	return func(source string, quota int64) (jssandbox.Task, error) {
		return NewTask(source, quota, opts...)
	}
}

// NewTask compiles source into a fresh sandboxed runtime. The returned task
// is SCHEDULED.
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
	program, err := goja.CompileAST(script.Program, false)
	if err != nil {
		return nil, &jssandbox.CompilationError{Source: option.ScriptName, Err: err}
	}

	t := &Task{
		TaskBase: jssandbox.NewTaskBase(source, quota, option.Output, policy.MaxOutputBytes),
		option:   option,
		script:   script,
		program:  program,
	}
	vm := goja.New()
	if err := t.bootstrap(vm, policy); err != nil {
		return nil, fmt.Errorf("failed to bootstrap runtime: %w", err)
	}
	t.vm.Store(vm)
	return t, nil
}

// bootstrap installs the quota hook and the allowed host bindings, and
// removes every way to compile code from strings.
func (t *Task) bootstrap(vm *goja.Runtime, policy jssandbox.Policy) error {
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if t.option.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(t.option.MaxCallStackSize)
	}

	global := vm.GlobalObject()
	if err := global.DefineDataProperty(t.script.Hook, vm.ToValue(t.tick), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return err
	}
	if policy.Allows(jssandbox.BindingConsole) {
		if err := enableConsole(vm, t.Writer()); err != nil {
			return err
		}
	}
	if policy.Allows(jssandbox.BindingPrint) {
		if err := vm.Set(jssandbox.BindingPrint, t.print); err != nil {
			return err
		}
	}
	return disableCodeLoading(vm)
}

// Execute runs the guest program to completion, quota exhaustion or
// cancellation. An uncaught guest exception is written to the output with
// its sanitized trace and the task still finishes.
func (t *Task) Execute() error {
	vm := t.vm.Load()
	if err := t.Begin(); err != nil {
		return err
	}
	defer t.vm.CompareAndSwap(vm, nil)
	if vm == nil {
		// Only a successful cancel releases the runtime, and then Begin fails.
		return nil
	}

	if t.option.ExecuteTimeout > 0 {
		timer := time.AfterFunc(t.option.ExecuteTimeout, func() {
			_ = t.halt(jssandbox.ErrTimeout)
		})
		defer timer.Stop()
	}

	_, err := vm.RunProgram(t.program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if !errors.As(err, &interrupted) && t.Status() == jssandbox.StatusRunning {
			t.report(err)
		}
	}
	if err := t.Finish(); err != nil && !errors.Is(err, jssandbox.ErrStateConflict) {
		return err
	}
	return nil
}

// Cancel moves the task to CANCELED and interrupts the runtime if it is running.
func (t *Task) Cancel() error {
	return t.halt(jssandbox.ErrCanceled)
}

// Executed returns the number of statements counted so far.
func (t *Task) Executed() int64 {
	return t.executed.Load()
}

func (t *Task) halt(reason error) error {
	if _, err := t.CancelLifecycle(); err != nil {
		return err
	}
	if vm := t.vm.Swap(nil); vm != nil {
		vm.Interrupt(reason)
	}
	return nil
}

// tick is bound to the quota hook. The call that would start statement
// quota+1 cancels the task before that statement runs.
func (t *Task) tick(goja.FunctionCall) goja.Value {
	if t.executed.Add(1) > t.Quota() {
		_ = t.halt(jssandbox.ErrQuotaExceeded)
	}
	return goja.Undefined()
}

func (t *Task) print(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, arg := range call.Arguments {
		parts[i] = arg.String()
	}
	_, _ = io.WriteString(t.Writer(), strings.Join(parts, " ")+"\n")
	return goja.Undefined()
}

// report writes the failure message and the guest part of its stack.
func (t *Task) report(err error) {
	var (
		msg   string
		stack []goja.StackFrame
	)
	var overflow *goja.StackOverflowError
	var exception *goja.Exception
	switch {
	case errors.As(err, &overflow):
		msg, stack = "Maximum call stack size exceeded", overflow.Stack()
	case errors.As(err, &exception):
		msg, stack = describe(exception.Value()), exception.Stack()
	default:
		msg = err.Error()
	}

	frames := make([]jssandbox.Frame, 0, len(stack))
	for i := range stack {
		frames = append(frames, t.frame(&stack[i]))
	}
	_, _ = io.WriteString(t.Writer(), jssandbox.SanitizeTrace(msg, frames)+"\n")
}

func (t *Task) frame(f *goja.StackFrame) jssandbox.Frame {
	if f.SrcName() != t.script.Name {
		return jssandbox.Frame{Origin: jssandbox.OriginHost, Function: f.FuncName()}
	}
	pos := f.Position()
	line, column := t.script.Map.Original(pos.Line, pos.Column)
	fn := f.FuncName()
	if fn == "<anonymous>" {
		fn = ""
	}
	return jssandbox.Frame{
		Origin:   jssandbox.OriginGuest,
		Function: fn,
		File:     pos.Filename,
		Line:     line,
		Column:   column,
	}
}

// describe extracts the message of a thrown value. Reading it may run guest
// getters, which stay under the quota hook; a getter that throws falls back
// to a generic message.
func describe(val goja.Value) (msg string) {
	defer func() {
		if recover() != nil {
			msg = "Uncaught exception"
		}
	}()
	if val == nil {
		return "Uncaught exception"
	}
	if obj, ok := val.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) && !goja.IsNull(m) {
			return m.String()
		}
	}
	return val.String()
}

// consolePrinter adapts the task output to the goja_nodejs console module.
type consolePrinter struct {
	w io.Writer
}

func (p consolePrinter) Log(s string)   { _, _ = io.WriteString(p.w, s+"\n") }
func (p consolePrinter) Warn(s string)  { _, _ = io.WriteString(p.w, s+"\n") }
func (p consolePrinter) Error(s string) { _, _ = io.WriteString(p.w, s+"\n") }

// enableConsole loads the console module through a registry that cannot load
// files, then removes require from the guest's reach.
func enableConsole(vm *goja.Runtime, w io.Writer) error {
	registry := require.NewRegistry(require.WithLoader(func(string) ([]byte, error) {
		return nil, require.ModuleFileDoesNotExistError
	}))
	registry.Enable(vm)

	module := vm.NewObject()
	if err := module.Set("exports", vm.NewObject()); err != nil {
		return err
	}
	console.RequireWithPrinter(consolePrinter{w: w})(vm, module)
	if err := vm.Set(jssandbox.BindingConsole, module.Get("exports")); err != nil {
		return err
	}
	return vm.GlobalObject().Delete("require")
}

const codeGenerationPrototypes = `[
	Function.prototype,
	Object.getPrototypeOf(function* () {}),
	Object.getPrototypeOf(async function () {}),
]`

// disableCodeLoading removes eval and replaces every function constructor,
// including the ones reachable through prototype chains, with a stub that
// throws. The stub keeps Function.prototype so instanceof still works.
func disableCodeLoading(vm *goja.Runtime) error {
	global := vm.GlobalObject()
	if err := global.Delete("eval"); err != nil {
		return err
	}

	stub := vm.ToValue(func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("Code generation from strings disallowed for this context"))
	}).ToObject(vm)

	protos, err := vm.RunString(codeGenerationPrototypes)
	if err != nil {
		return err
	}
	list := protos.ToObject(vm)
	n := int(list.Get("length").ToInteger())
	for i := 0; i < n; i++ {
		proto := list.Get(strconv.Itoa(i)).ToObject(vm)
		if i == 0 {
			if err := stub.DefineDataProperty("prototype", proto, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
				return err
			}
		}
		if err := proto.DefineDataProperty("constructor", stub, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return err
		}
	}
	return global.DefineDataProperty("Function", stub, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}
