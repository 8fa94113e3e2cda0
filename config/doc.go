// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package config loads the js-sandbox server configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, JSSANDBOX_* environment variables and command-line flags. The
// result is validated before it is returned.
package config
