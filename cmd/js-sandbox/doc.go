// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the js-sandbox server.
//
// js-sandbox runs untrusted JavaScript in isolated, statement-limited
// runtimes on a bounded worker pool. The serve command exposes the
// dispatcher over a REST API with an MCP endpoint, or over MCP on stdio;
// the run command executes one file locally and prints the task as YAML.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
