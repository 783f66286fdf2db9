// Package toolserver exposes the sandbox tools over the Model Context
// Protocol, so an external agent can work against the same confined
// environment and event log as the built-in pipeline.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/martinemde/fixflow/sandbox"
)

// DefaultAgentName is recorded as the agent of every MCP tool call.
const DefaultAgentName = "MCP_Client"

// Server wraps an mcp-go server whose tools delegate to a sandbox.Toolset.
type Server struct {
	mcpServer *mcpserver.MCPServer
	tools     *sandbox.Toolset
	agent     string
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithAgentName(name string) Option {
	return func(s *Server) { s.agent = name }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New registers every tool granted by tools.
func New(tools *sandbox.Toolset, version string, opts ...Option) *Server {
	s := &Server{
		tools:  tools,
		agent:  DefaultAgentName,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"fixflow",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves JSON-RPC over in and out until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	descriptions := make(map[string]string)
	for _, d := range s.tools.Definitions() {
		descriptions[d.Name] = d.Description
	}

	for _, name := range s.tools.Names() {
		var tool mcplib.Tool
		switch name {
		case sandbox.ToolReadFile:
			tool = mcplib.NewTool(name,
				mcplib.WithDescription(descriptions[name]),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithIdempotentHintAnnotation(true),
				mcplib.WithString("path",
					mcplib.Description("File path relative to the codebase root, or an absolute path from a stack trace"),
					mcplib.Required(),
				),
				mcplib.WithNumber("start_line", mcplib.Description("First line to return (1-based)")),
				mcplib.WithNumber("end_line", mcplib.Description("Last line to return (inclusive)")),
			)
		case sandbox.ToolWriteFile:
			tool = mcplib.NewTool(name,
				mcplib.WithDescription(descriptions[name]),
				mcplib.WithDestructiveHintAnnotation(true),
				mcplib.WithIdempotentHintAnnotation(false),
				mcplib.WithString("path",
					mcplib.Description("Target file name; only the base name is kept"),
					mcplib.Required(),
				),
				mcplib.WithString("content",
					mcplib.Description("Full file content"),
					mcplib.Required(),
				),
			)
		case sandbox.ToolListDirectory:
			tool = mcplib.NewTool(name,
				mcplib.WithDescription(descriptions[name]),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithString("path", mcplib.Description("Directory relative to the codebase root")),
			)
		case sandbox.ToolParseErrorTrace:
			tool = mcplib.NewTool(name,
				mcplib.WithDescription(descriptions[name]),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithString("trace",
					mcplib.Description("Path to a JSON error trace, or the trace JSON itself"),
					mcplib.Required(),
				),
			)
		default:
			s.logger.Warn("tool has no MCP binding", "tool", name)
			continue
		}
		s.mcpServer.AddTool(tool, s.handler(name))
	}
}

func (s *Server) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		return s.call(ctx, name, request), nil
	}
}

// call forwards one request to the toolset. Tool failures become error
// results, not protocol errors.
func (s *Server) call(ctx context.Context, name string, request mcplib.CallToolRequest) *mcplib.CallToolResult {
	args := request.GetArguments()
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}

	res := s.tools.Call(ctx, s.agent, name, raw)
	if res.IsError {
		return errorResult(res.Text())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: res.Output},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
