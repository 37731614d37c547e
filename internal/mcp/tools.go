package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygatedb/keygate/internal/service"
	"github.com/keygatedb/keygate/internal/store"
)

// registerTools registers all keygate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Discovery tools -----

	srv.AddTool(
		mcp.NewTool("keygate_list_keys",
			mcp.WithDescription(
				"List all API keys with their status, label, owner, scopes, and "+
					"expiry. Secrets are never returned. Use this first to discover "+
					"existing keys before creating or rotating.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("keygate_get_key",
			mcp.WithDescription(
				"Get the full record for one API key: status, scopes, rate-limit "+
					"override, IP allowlist, rotation lineage, and usage timestamps. "+
					"The secret hash is never returned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the API key (e.g. ak_...)"),
			),
		),
		s.handleGetKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_list_limits",
			mcp.WithDescription(
				"List the configured rate-limit rules: scope, algorithm, capacity, "+
					"window, and token-bucket parameters. Rules are evaluated broadest "+
					"scope first; the first denial wins.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListLimits,
	)

	// ----- Key management tools -----

	srv.AddTool(
		mcp.NewTool("keygate_create_key",
			mcp.WithDescription(
				"Mint a new API key. Returns the key record and the secret; the "+
					"secret is shown exactly once and cannot be retrieved again. "+
					"Present credentials to the decision endpoint as '<key_id>.<secret>'.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("label",
				mcp.Required(),
				mcp.Description("Human-readable label for the key"),
			),
			mcp.WithString("user_id",
				mcp.Description("Owning user or tenant ID, used by per_user rate limits"),
			),
			mcp.WithArray("scopes",
				mcp.Description("Permission scopes granted to the key"),
				mcp.WithStringItems(),
			),
			mcp.WithString("expires_in",
				mcp.Description("Expiry relative to now as a Go duration (e.g. \"720h\"). Omit for no expiry."),
			),
			mcp.WithNumber("rate_limit_override",
				mcp.Description("Per-key capacity that replaces the per_api_key rule capacity"),
			),
		),
		s.handleCreateKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_revoke_key",
			mcp.WithDescription(
				"Permanently revoke an API key. Revocation is irreversible: the key "+
					"can never be reactivated and every subsequent request with it is denied.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the API key to revoke"),
			),
		),
		s.handleRevokeKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_rotate_key",
			mcp.WithDescription(
				"Rotate an API key: mints a replacement pair and caps the old key "+
					"with a grace window during which both keys validate. Returns the "+
					"replacement record and its one-time secret.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the API key to rotate"),
			),
			mcp.WithString("grace",
				mcp.Description("Overlap window as a Go duration (e.g. \"1h\"). Defaults to 24h."),
			),
		),
		s.handleRotateKey,
	)

	// ----- Decision tool -----

	srv.AddTool(
		mcp.NewTool("keygate_check_access",
			mcp.WithDescription(
				"Run a credential through the full decision pipeline: secret "+
					"verification, lifecycle and IP checks, and rate-limit evaluation. "+
					"Returns the verdict with remaining budget and retry hints. Note: "+
					"an allowed check consumes one unit of rate-limit budget, exactly "+
					"like a real request.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID half of the credential"),
			),
			mcp.WithString("secret",
				mcp.Required(),
				mcp.Description("Secret half of the credential"),
			),
			mcp.WithString("ip",
				mcp.Description("Caller IP address, used by per_ip rules and IP allowlists"),
			),
			mcp.WithString("endpoint",
				mcp.Description("Request path, used by per_endpoint rules"),
			),
			mcp.WithString("required_scope",
				mcp.Description("Scope the key must carry for the request to be allowed"),
			),
		),
		s.handleCheckAccess,
	)
}

// =========================================================================
// Tool handlers
// =========================================================================

func (s *MCPServer) handleListKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keys, err := s.keys.List(ctx)
	if err != nil {
		return toolError("Failed to list keys: %v", err)
	}
	return successJSON(keys)
}

func (s *MCPServer) handleGetKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	key, err := s.keys.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return toolError("Key %q not found. Use keygate_list_keys to see existing keys.", keyID)
		}
		return toolError("Failed to get key %q: %v", keyID, err)
	}
	return successJSON(key)
}

func (s *MCPServer) handleListLimits(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	return successJSON(s.rules)
}

func (s *MCPServer) handleCreateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	label, err := requireString(request, "label")
	if err != nil {
		return toolError("%v", err)
	}

	params := service.CreateKeyParams{
		Label:  label,
		UserID: optionalString(request, "user_id"),
		Scopes: optionalStringSlice(request, "scopes"),
	}

	expiresIn, err := optionalDuration(request, "expires_in")
	if err != nil {
		return toolError("%v", err)
	}
	if expiresIn > 0 {
		at := time.Now().UTC().Add(expiresIn)
		params.ExpiresAt = &at
	}

	if override := optionalInt(request, "rate_limit_override", 0); override > 0 {
		v := int64(override)
		params.RateLimitOverride = &v
	}

	key, secret, err := s.keys.Create(ctx, params)
	if err != nil {
		return toolError("Failed to create key: %v", err)
	}

	s.logger.Info("mcp: api key created", "key_id", key.KeyID, "label", key.Label)

	return successJSON(map[string]any{
		"key":        key,
		"secret":     secret,
		"credential": key.KeyID + "." + secret,
		"note":       "Save the secret now; it cannot be retrieved again.",
	})
}

func (s *MCPServer) handleRevokeKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	key, err := s.keys.Revoke(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return toolError("Key %q not found.", keyID)
		}
		return toolError("Failed to revoke key %q: %v", keyID, err)
	}

	s.logger.Info("mcp: api key revoked", "key_id", keyID)

	return successJSON(map[string]any{
		"key_id": key.KeyID,
		"status": key.Status,
	})
}

func (s *MCPServer) handleRotateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	grace, err := optionalDuration(request, "grace")
	if err != nil {
		return toolError("%v", err)
	}

	replacement, secret, err := s.keys.Rotate(ctx, keyID, grace)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return toolError("Key %q not found.", keyID)
		}
		return toolError("Failed to rotate key %q: %v", keyID, err)
	}

	s.logger.Info("mcp: api key rotated", "old", keyID, "new", replacement.KeyID)

	result := map[string]any{
		"key":        replacement,
		"secret":     secret,
		"credential": replacement.KeyID + "." + secret,
		"note":       "Save the secret now; it cannot be retrieved again.",
	}
	if old, err := s.keys.Get(ctx, keyID); err == nil && old.GraceUntil != nil {
		result["old_key_valid_until"] = old.GraceUntil
	}
	return successJSON(result)
}

func (s *MCPServer) handleCheckAccess(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	secret, err := requireString(request, "secret")
	if err != nil {
		return toolError("%v", err)
	}

	decision := s.decide.Decide(ctx, service.Request{
		KeyID:         keyID,
		Secret:        secret,
		IP:            optionalString(request, "ip"),
		Endpoint:      optionalString(request, "endpoint"),
		RequiredScope: optionalString(request, "required_scope"),
	})

	return successJSON(decision)
}
