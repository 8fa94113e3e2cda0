// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured logging capabilities.
//
// The logger package builds the application's zap logger from
// configuration and bridges it to log/slog, which the dispatcher and
// engines log through, so both end up on one zap core.
package logger
