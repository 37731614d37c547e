package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// keygate://limits — the configured rate-limit rules
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"keygate://limits",
			"Rate-Limit Rules",
			mcp.WithResourceDescription(
				"The configured rate-limit rules: scope, algorithm, capacity, "+
					"window, and token-bucket parameters. Rules are evaluated "+
					"broadest scope first and the first denial wins.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleLimitsResource,
	)

	// -------------------------------------------------------------------
	// keygate://keys — the API key inventory
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"keygate://keys",
			"API Key Inventory",
			mcp.WithResourceDescription(
				"All API key records with status, scopes, and expiry. "+
					"Secrets are never included.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleKeysResource,
	)
}

// handleLimitsResource returns the rule set as JSON.
func (s *MCPServer) handleLimitsResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	b, err := json.MarshalIndent(s.rules, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rules: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "keygate://limits",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleKeysResource returns the key inventory as JSON.
func (s *MCPServer) handleKeysResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	keys, err := s.keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	b, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keys: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "keygate://keys",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
