package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/sandbox"
)

// Executor runs execution requests
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (sandbox.Result, error)
	Languages() []language.Profile
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	mcpServer *server.MCPServer
}

// executionPayload is the JSON body of execute_code and execute_template results
type executionPayload struct {
	sandbox.Result
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type languagePayload struct {
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases"`
	Compiled bool     `json:"compiled"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger.Named("mcp"),
		executor: executor,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.max_timeout_sec", cfg.Sandbox.MaxTimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int("sandbox.max_concurrency", cfg.Sandbox.MaxConcurrency),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Bool("sandbox.enable_local_backend", cfg.Sandbox.EnableLocalBackend),
		zap.String("sandbox.stderr_policy", cfg.Sandbox.StderrPolicy),
		zap.String("templates.driver", cfg.Templates.Driver),
	)

	s.mcpServer = server.NewMCPServer("runbox", "A sandboxed multi-language code execution server")

	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	names := make([]string, 0, len(language.IDs()))
	for _, id := range language.IDs() {
		names = append(names, id.String())
		names = append(names, id.Aliases()...)
	}

	s.mcpServer.AddTool(mcp.NewTool("execute_code",
		mcp.WithDescription("Compile if needed and run source code in a sandbox, returning its output"),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Language name or alias"),
			mcp.Enum(names...)),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Program source code")),
		mcp.WithString("input",
			mcp.Description("Data written to the program's standard input")),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Execution deadline in milliseconds, capped by the server")),
	), s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.NewTool("execute_template",
		mcp.WithDescription("Run a stored code template by id"),
		mcp.WithNumber("template_id",
			mcp.Required(),
			mcp.Description("Template id")),
		mcp.WithString("input",
			mcp.Description("Data written to the program's standard input")),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Execution deadline in milliseconds, capped by the server")),
	), s.handleExecuteTemplate)

	s.mcpServer.AddTool(mcp.NewTool("list_languages",
		mcp.WithDescription("List the supported languages and their aliases"),
	), s.handleListLanguages)
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return s.errorResult(apperror.Validation("code", "code parameter is required")), nil
	}
	lang, err := request.RequireString("language")
	if err != nil {
		return s.errorResult(apperror.Validation("language", "language parameter is required")), nil
	}

	return s.execute(ctx, engine.Request{
		Language: lang,
		Code:     code,
		Stdin:    request.GetString("input", ""),
		Timeout:  timeoutArg(request),
	}), nil
}

func (s *MCPServer) handleExecuteTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireFloat("template_id")
	if err != nil {
		return s.errorResult(apperror.Validation("template_id", "template_id parameter is required")), nil
	}
	id := int64(raw)
	if float64(id) != raw {
		return s.errorResult(apperror.Validation("template_id", "template_id must be an integer")), nil
	}

	return s.execute(ctx, engine.Request{
		TemplateID: &id,
		Stdin:      request.GetString("input", ""),
		Timeout:    timeoutArg(request),
	}), nil
}

func (s *MCPServer) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profiles := s.executor.Languages()
	out := make([]languagePayload, 0, len(profiles))
	for _, p := range profiles {
		aliases := p.ID.Aliases()
		if aliases == nil {
			aliases = []string{}
		}
		out = append(out, languagePayload{Name: p.Name(), Aliases: aliases, Compiled: p.Compiled()})
	}
	return s.jsonResult(out, false), nil
}

func (s *MCPServer) execute(ctx context.Context, req engine.Request) *mcp.CallToolResult {
	result, err := s.executor.Execute(ctx, req)
	if err != nil {
		s.logger.Info("execution rejected", zap.String("kind", apperror.KindOf(err)), zap.Error(err))
		return s.errorResult(err)
	}

	s.logger.Info("code execution completed",
		zap.String("execution_id", result.ID),
		zap.String("language", result.Language),
		zap.String("status", string(result.Status)),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	payload := executionPayload{Result: result, Output: result.Output()}
	if resErr := result.Err(); resErr != nil {
		payload.Error = apperror.KindOf(resErr)
		payload.Message = resErr.Error()
	}
	return s.jsonResult(payload, !result.Succeeded())
}

func (s *MCPServer) errorResult(err error) *mcp.CallToolResult {
	kind := apperror.KindOf(err)
	msg := err.Error()
	if kind == apperror.KindInternal {
		s.logger.Error("tool call failed", zap.Error(err))
		msg = "internal server error"
	}
	return s.jsonResult(errorPayload{Error: kind, Message: msg, Field: apperror.FieldOf(err)}, true)
}

func (s *MCPServer) jsonResult(v any, isError bool) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode tool result", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = isError
	return result
}

func timeoutArg(request mcp.CallToolRequest) time.Duration {
	ms := request.GetFloat("timeout_ms", 0)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
