// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	jssandbox "github.com/buke/js-sandbox"
	"github.com/buke/js-sandbox/config"
)

const (
	serverName    = "js-sandbox"
	serverVersion = "1.0.0"

	defaultListLimit = 20
	pollInterval     = 5 * time.Millisecond
)

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	dispatcher *jssandbox.Dispatcher
	mcpServer  *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, d *jssandbox.Dispatcher) (*MCPServer, error) {
	s := &MCPServer{
		config:     cfg,
		logger:     logger,
		dispatcher: d,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.String("server.http_addr", cfg.Server.HTTPAddr),
		zap.String("engine.name", cfg.Engine.Name),
		zap.Duration("engine.execute_timeout", cfg.Engine.ExecuteTimeout),
		zap.Int("dispatcher.pool_size", jssandbox.PoolSize(cfg.Dispatcher.PoolSize)),
		zap.Int64("dispatcher.default_quota", cfg.Dispatcher.DefaultQuota),
		zap.String("store.backend", cfg.Store.Backend),
		zap.Bool("auth.enabled", len(cfg.Auth.Tokens) > 0),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	s.registerTools()

	return s, nil
}

// registerTools registers the task tools
func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("run_script",
		mcp.WithDescription("Run JavaScript in an isolated sandbox. Output is what the script prints through console or print, followed by the error and its stack if the script throws."),
		mcp.WithString("source", mcp.Required(), mcp.Description("JavaScript source code")),
		mcp.WithNumber("quota", mcp.Description("Maximum number of statements to execute; omitted or 0 uses the server default")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the task to finish before returning (default true)")),
	), s.handleRunScript)

	s.mcpServer.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get the status and output of a task"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.handleGetTask)

	s.mcpServer.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a scheduled or running task"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.handleCancelTask)

	s.mcpServer.AddTool(mcp.NewTool("delete_task",
		mcp.WithDescription("Delete a task, canceling it first if it has not finished"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.handleDeleteTask)

	s.mcpServer.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks in creation order"),
		mcp.WithString("status", mcp.Description("Comma-separated statuses to include: SCHEDULED, RUNNING, CANCELED, FINISHED")),
		mcp.WithNumber("offset", mcp.Description("Number of matching tasks to skip")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return (default 20)")),
	), s.handleListTasks)
}

func (s *MCPServer) handleRunScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := request.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	quota := int64(request.GetInt("quota", 0))
	wait := request.GetBool("wait", true)

	task, err := s.dispatcher.Run(ctx, source, quota)
	if err != nil {
		s.logger.Info("script rejected", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}
	s.logger.Info("script submitted", zap.String("task", task.ID()), zap.Int64("quota", task.Quota()))

	if wait {
		if err := awaitTerminal(ctx, task); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("task %s still %s: %v", task.ID(), task.Status(), err)), nil
		}
	}
	return viewResult(jssandbox.NewView(task))
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.dispatcher.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return viewResult(view)
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.dispatcher.Cancel(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.dispatcher.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return viewResult(view)
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.dispatcher.Remove(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task %s deleted", id)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statuses []jssandbox.Status
	if raw := request.GetString("status", ""); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := jssandbox.ParseStatus(name)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			statuses = append(statuses, st)
		}
	}
	page := jssandbox.Page{
		Offset: max(request.GetInt("offset", 0), 0),
		Limit:  request.GetInt("limit", defaultListLimit),
	}
	if page.Limit <= 0 {
		page.Limit = defaultListLimit
	}

	views, total, err := s.dispatcher.List(ctx, jssandbox.StatusFilter(statuses...), page)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if views == nil {
		views = []jssandbox.TaskView{}
	}
	return jsonResult(map[string]any{"tasks": views, "total": total})
}

// awaitTerminal polls task until it settles or ctx ends.
func awaitTerminal(ctx context.Context, task jssandbox.Task) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !task.Status().Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func viewResult(view jssandbox.TaskView) (*mcp.CallToolResult, error) {
	return jsonResult(view)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler returns the streamable HTTP transport for mounting on a router.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
