package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygatedb/keygate/internal/credential"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/ratelimit"
	"github.com/keygatedb/keygate/internal/server"
	"github.com/keygatedb/keygate/internal/service"
	"github.com/keygatedb/keygate/internal/store"
	"github.com/keygatedb/keygate/internal/telemetry"
)

const banner = `
 _  _________   _____  _  _____ ___
| |/ / __\ \ / / __ \| |/_   _| __|
|   <| _| \ V / (_ |/  _ \| | | _|
|_|\_\___| |_| \____/_/ \_\_| |___|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate decision server",
		Long:  "Start the HTTP server that exposes the decision endpoint and the admin API for key management.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if host == "" {
		host = cfg.Server.Host
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format, dev)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Key record store
	db, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer db.Close()
	logger.Info("key store initialized", "driver", cfg.Store.Driver)

	// Counter store: Redis when configured, process memory otherwise.
	var counters store.CounterStore
	backends := map[string]server.Pinger{"keystore": db}
	if cfg.Redis.Enabled {
		rds, err := store.NewRedis(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rds.Close()
		counters = rds
		backends["redis"] = rds
		logger.Info("counter store initialized", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		counters = store.NewMemory()
		logger.Warn("counter store is in-process memory; limits are per-instance, not shared")
	}

	// Credential codec
	key, err := signingKey(cfg)
	if err != nil {
		return err
	}
	codec, err := credential.NewCodec([]byte(key))
	if err != nil {
		return fmt.Errorf("init credential codec: %w", err)
	}

	// Rate-limit engine
	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	penalty, err := cfg.PenaltyPolicy()
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewManager(counters, rules, penalty, logger)
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}
	logger.Info("rate limiter initialized", "rules", len(rules), "penalty_enabled", penalty.Enabled)

	// Services
	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = viper.GetString("auth.jwt_secret")
	}
	if jwtSecret == "" {
		jwtSecret = "keygate-dev-secret-change-me"
		logger.Warn("auth.jwt_secret not set, using insecure development default")
	}
	authSvc := service.NewAuth(db, jwtSecret)
	keysSvc := service.NewKeys(db, codec, nil)
	decideSvc := service.NewDecision(db, codec, limiter, nil, cfg.Auth.FailOpen, logger)
	if cfg.Auth.FailOpen {
		logger.Warn("fail-open enabled: traffic is admitted when the counter store is unreachable")
	}

	// First-run check
	hasAdmin, err := db.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: keygate admin create")
	}

	// Telemetry heartbeat
	tracker := telemetry.New(ctx, db, func() telemetry.Properties {
		return gatherTelemetry(db, cfg.Store.Driver, cfg.Redis.Enabled, rules)
	})
	if tracker != nil {
		telemetry.PrintNotice()
		tracker.Start()
		defer tracker.Shutdown()
	}

	shutdownTimeout, err := cfg.ShutdownTimeout()
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: shutdownTimeout,
		CORSOrigins:     cfg.Server.CORS.Origins,
		Version:         versionString(),
		LoginRateLimit:  10,
	}
	srv := server.New(srvCfg, decideSvc, keysSvc, authSvc, rules, backends, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ Keygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Decision:   http://%s:%d/api/v1/decide\n", host, port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Printf("→ Rules:      %d\n", len(rules))
	fmt.Println()

	return srv.ListenAndServe()
}

func newLogger(level, format string, dev bool) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("logging: unknown level %q", level)
	}
	if dev {
		lvl = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
}

func gatherTelemetry(db *store.SQL, driver string, redisEnabled bool, rules []model.RateLimitRule) telemetry.Properties {
	ctx := context.Background()

	props := telemetry.Properties{
		Version:      appVersion,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		StoreDriver:  driver,
		RedisEnabled: redisEnabled,
		RuleCount:    len(rules),
	}

	seen := map[string]bool{}
	for _, r := range rules {
		if a := string(r.Algorithm); !seen[a] {
			seen[a] = true
			props.Algorithms = append(props.Algorithms, a)
		}
	}

	if keys, err := db.List(ctx); err == nil {
		props.KeyCount = len(keys)
		for _, k := range keys {
			if k.Status == model.StatusActive {
				props.ActiveKeys++
			}
		}
	}
	if admins, err := db.ListAdmins(ctx); err == nil {
		props.AdminCount = len(admins)
	}

	return props
}
