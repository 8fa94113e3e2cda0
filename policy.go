// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"fmt"
	"slices"
)

// IOAccess says which native resources a runtime may load.
type IOAccess int

const (
	IOBootstrapOnly IOAccess = iota // Only modules the engine wires during bootstrap
	IOFull                          // Files, URLs and source maps; never granted
)

// Host bindings an engine knows how to expose.
const (
	BindingConsole = "console"
	BindingPrint   = "print"
)

// DefaultMaxOutputBytes bounds captured output unless a policy says otherwise.
const DefaultMaxOutputBytes = 1 << 20

var knownBindings = []string{BindingConsole, BindingPrint}

// Policy is the declarative capability set of a guest runtime. Engines read
// it while bootstrapping a task and grant nothing it does not name.
type Policy struct {
	HostAllowList      []string // Host bindings visible to guest code
	AllowEnvironment   bool     // Environment variable access
	IO                 IOAccess // Native resource loading
	AllowCreateThread  bool     // Timers, workers and other concurrent guest work
	AllowCreateProcess bool     // Child processes
	AllowCodeLoading   bool     // eval, Function and other code generation from strings
	AllowValueSharing  bool     // Host values may be passed into the guest
	StatementQuota     int64    // Upper bound on executed guest statements
	MaxOutputBytes     int      // Upper bound on captured output, 0 means unlimited
}

// DefaultPolicy returns the only policy the engines ship with.
func DefaultPolicy(quota int64) Policy {
	return Policy{
		HostAllowList:     []string{BindingConsole, BindingPrint},
		IO:                IOBootstrapOnly,
		AllowValueSharing: true,
		StatementQuota:    quota,
		MaxOutputBytes:    DefaultMaxOutputBytes,
	}
}

// Validate rejects policies that relax a denied capability or are incomplete.
func (p Policy) Validate() error {
	switch {
	case p.AllowEnvironment:
		return fmt.Errorf("%w: environment access", ErrPolicyViolation)
	case p.AllowCreateThread:
		return fmt.Errorf("%w: thread creation", ErrPolicyViolation)
	case p.AllowCreateProcess:
		return fmt.Errorf("%w: process creation", ErrPolicyViolation)
	case p.AllowCodeLoading:
		return fmt.Errorf("%w: dynamic code loading", ErrPolicyViolation)
	case p.IO != IOBootstrapOnly:
		return fmt.Errorf("%w: io access beyond bootstrap", ErrPolicyViolation)
	case p.StatementQuota <= 0:
		return fmt.Errorf("statement quota must be positive, got %d", p.StatementQuota)
	case p.MaxOutputBytes < 0:
		return fmt.Errorf("max output bytes must not be negative, got %d", p.MaxOutputBytes)
	}
	for _, name := range p.HostAllowList {
		if !slices.Contains(knownBindings, name) {
			return fmt.Errorf("%w: unknown host binding %q", ErrPolicyViolation, name)
		}
	}
	return nil
}

// Allows reports whether a host binding is on the allow-list.
func (p Policy) Allows(binding string) bool {
	return slices.Contains(p.HostAllowList, binding)
}

// WithQuota returns a copy of p with a different statement quota.
func (p Policy) WithQuota(quota int64) Policy {
	p.HostAllowList = slices.Clone(p.HostAllowList)
	p.StatementQuota = quota
	return p
}
