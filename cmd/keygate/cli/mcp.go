package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/keygatedb/keygate/internal/credential"
	kmcp "github.com/keygatedb/keygate/internal/mcp"
	"github.com/keygatedb/keygate/internal/ratelimit"
	"github.com/keygatedb/keygate/internal/service"
	"github.com/keygatedb/keygate/internal/store"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes key management
and access decisions as tools for AI agents. Supports stdio (default) and
HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for direct integration with Claude Desktop or other MCP clients.

In HTTP mode, the server listens on the specified port for streamable HTTP
connections.`,
		Example: `  keygate mcp                              # stdio mode
  keygate mcp --transport http --port 3001  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	// In stdio mode stdout carries the protocol; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer db.Close()

	key, err := signingKey(cfg)
	if err != nil {
		return err
	}
	codec, err := credential.NewCodec([]byte(key))
	if err != nil {
		return err
	}

	var counters store.CounterStore
	if cfg.Redis.Enabled {
		rds, err := store.NewRedis(context.Background(), store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rds.Close()
		counters = rds
	} else {
		counters = store.NewMemory()
	}

	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	penalty, err := cfg.PenaltyPolicy()
	if err != nil {
		return err
	}
	limiterLogger := logger
	if transport == "stdio" {
		limiterLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limiter, err := ratelimit.NewManager(counters, rules, penalty, limiterLogger)
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}

	keysSvc := service.NewKeys(db, codec, nil)
	decideSvc := service.NewDecision(db, codec, limiter, nil, cfg.Auth.FailOpen, limiterLogger)

	mcpSrv := kmcp.NewMCPServer(keysSvc, decideSvc, rules, logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		addr := fmt.Sprintf(":%d", port)
		return mcpSrv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
