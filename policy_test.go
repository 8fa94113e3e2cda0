// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jssandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy(10)
	require.NoError(t, p.Validate())
	assert.True(t, p.Allows(BindingConsole))
	assert.True(t, p.Allows(BindingPrint))
	assert.False(t, p.Allows("require"))
	assert.Equal(t, IOBootstrapOnly, p.IO)
	assert.Equal(t, int64(10), p.StatementQuota)
	assert.Equal(t, DefaultMaxOutputBytes, p.MaxOutputBytes)
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p *Policy)
		violation bool
	}{
		{"environment", func(p *Policy) { p.AllowEnvironment = true }, true},
		{"threads", func(p *Policy) { p.AllowCreateThread = true }, true},
		{"processes", func(p *Policy) { p.AllowCreateProcess = true }, true},
		{"code loading", func(p *Policy) { p.AllowCodeLoading = true }, true},
		{"full io", func(p *Policy) { p.IO = IOFull }, true},
		{"unknown binding", func(p *Policy) { p.HostAllowList = append(p.HostAllowList, "fs") }, true},
		{"zero quota", func(p *Policy) { p.StatementQuota = 0 }, false},
		{"negative output", func(p *Policy) { p.MaxOutputBytes = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy(10)
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			if tt.violation {
				assert.ErrorIs(t, err, ErrPolicyViolation)
			} else {
				assert.NotErrorIs(t, err, ErrPolicyViolation)
			}
		})
	}
}

func TestPolicy_WithQuota(t *testing.T) {
	p := DefaultPolicy(10)
	q := p.WithQuota(20)
	q.HostAllowList[0] = "changed"

	assert.Equal(t, int64(10), p.StatementQuota)
	assert.Equal(t, int64(20), q.StatementQuota)
	assert.Equal(t, BindingConsole, p.HostAllowList[0], "copies do not share the allow-list")
}
