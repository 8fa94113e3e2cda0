// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes a dispatcher as MCP tools using the
// mark3labs/mcp-go library: run_script submits guest code and, by default,
// waits for it to settle; get_task, cancel_task, delete_task and list_tasks
// manage tasks by id.
package mcpserver
