// Package mcp exposes keygate key management and access decisions as
// Model Context Protocol tools, so AI agents can mint, inspect, rotate,
// and revoke API keys and probe the rate limiter.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/service"
)

// MCPServer wraps the mcp-go server with keygate tool and resource
// registrations.
type MCPServer struct {
	keys   *service.Keys
	decide *service.Decision
	rules  []model.RateLimitRule
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with all keygate tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(keys *service.Keys, decide *service.Decision, rules []model.RateLimitRule, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		keys:   keys,
		decide: decide,
		rules:  rules,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Keygate API Key Management",
		"0.1.0",
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance. Useful for
// advanced configuration or testing.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, the primary integration
// path for MCP clients that launch the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
