// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	jssandbox "github.com/buke/js-sandbox"
	"github.com/buke/js-sandbox/config"
)

func writeScript(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.js")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o600))
	return path
}

func TestRunFile(t *testing.T) {
	t.Chdir(t.TempDir())

	var stdout, stderr bytes.Buffer
	code := run([]string{"run", writeScript(t, `console.log("hello")`), "--log-level", "error"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var view struct {
		ID     string `yaml:"id"`
		Status string `yaml:"status"`
		Output string `yaml:"output"`
	}
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &view))
	assert.Len(t, view.ID, 26)
	assert.Equal(t, "FINISHED", view.Status)
	assert.Equal(t, "hello\n", view.Output)
}

func TestRunFileQuota(t *testing.T) {
	t.Chdir(t.TempDir())

	var stdout, stderr bytes.Buffer
	code := run([]string{"run", writeScript(t, "while (true) {}"), "--default-quota", "100", "--log-level", "error"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "status: CANCELED")
}

func TestRunFileErrors(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"MissingFile", []string{"run"}, 2},
		{"UnknownFlag", []string{"run", "x.js", "--bogus"}, 2},
		{"Unreadable", []string{"run", filepath.Join(t.TempDir(), "missing.js")}, 1},
		{"SyntaxError", []string{"run", writeScript(t, "function (")}, 1},
		{"BadConfig", []string{"run", writeScript(t, "1"), "--engine", "spidermonkey"}, 1},
		{"Help", []string{"--help"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tt.code, run(tt.args, &stdout, &stderr))
		})
	}
}

func TestNewTaskFactory(t *testing.T) {
	cfg := &config.Config{
		Dispatcher: config.DispatcherConfig{DefaultQuota: 10},
		Engine:     config.EngineConfig{Name: "goja", MaxCallStackSize: 64, MaxOutputBytes: 100},
	}
	factory, err := newTaskFactory(cfg)
	require.NoError(t, err)

	task, err := factory(`print("x".repeat(200))`, 10)
	require.NoError(t, err)
	require.NoError(t, task.Execute())
	assert.Equal(t, jssandbox.StatusFinished, task.Status())
	assert.Equal(t, 100+len(jssandbox.TruncationMarker), len(task.Output()))

	cfg.Engine.Name = "rhino"
	_, err = newTaskFactory(cfg)
	assert.Error(t, err)
}
