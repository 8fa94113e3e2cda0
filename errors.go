// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no task exists under the requested id.
	ErrNotFound = errors.New("task not found")

	// ErrStateConflict is matched by every *StateConflictError.
	ErrStateConflict = errors.New("task state conflict")

	// ErrNotRunning is returned by a dispatcher that is not accepting work.
	ErrNotRunning = errors.New("dispatcher is not running")

	// ErrPolicyViolation is returned when a policy relaxes a capability the engines cannot sandbox.
	ErrPolicyViolation = errors.New("sandbox policy violation")

	// ErrQuotaExceeded is the interrupt reason used when a task runs out of statements.
	ErrQuotaExceeded = errors.New("statement quota exceeded")

	// ErrCanceled is the interrupt reason used when a task is canceled from outside.
	ErrCanceled = errors.New("task canceled")

	// ErrTimeout is the interrupt reason used when a task exceeds its execute timeout.
	ErrTimeout = errors.New("task execute timeout")
)

// StateConflictError reports a lifecycle operation attempted from a status that does not allow it.
type StateConflictError struct {
	ID     string // Task id
	Op     string // Attempted operation (execute, cancel, submit)
	Status Status // Status observed when the operation was rejected
}

func (e *StateConflictError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("cannot %s task in status %s", e.Op, e.Status)
	}
	return fmt.Sprintf("cannot %s task %s in status %s", e.Op, e.ID, e.Status)
}

// Is makes errors.Is(err, ErrStateConflict) hold for every StateConflictError.
func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

// CompilationError is returned when guest source cannot be parsed or instrumented.
type CompilationError struct {
	Source string // Script name the source was compiled under
	Err    error  // Underlying parser error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Source, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// IsCompilationError reports whether err wraps a *CompilationError.
func IsCompilationError(err error) bool {
	var ce *CompilationError
	return errors.As(err, &ce)
}
