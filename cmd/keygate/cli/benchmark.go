package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygatedb/keygate/internal/credential"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/ratelimit"
	"github.com/keygatedb/keygate/internal/service"
	"github.com/keygatedb/keygate/internal/store"
)

func newBenchmarkCmd() *cobra.Command {
	var (
		backend     string
		redisAddr   string
		duration    time.Duration
		concurrency int
		algorithm   string
		capacity    int64
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Benchmark decision throughput",
		Long: `Run an in-process load test of the full decision pipeline: credential
verification, lifecycle checks, and rate-limit evaluation against the
selected counter backend.`,
		Example: `  keygate benchmark --duration 10s --concurrency 50
  keygate benchmark --backend redis --redis-addr localhost:6379
  keygate benchmark --algorithm sliding_window --capacity 100000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(backend, redisAddr, duration, concurrency, algorithm, capacity)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "memory", "Counter backend (memory, redis)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address for --backend redis")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "Test duration")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "Number of concurrent workers")
	cmd.Flags().StringVar(&algorithm, "algorithm", "fixed_window", "Rate-limit algorithm (fixed_window, sliding_window, token_bucket)")
	cmd.Flags().Int64Var(&capacity, "capacity", 1_000_000_000, "Rule capacity (set low to measure the deny path)")

	return cmd
}

// printBenchBanner prints the ASCII art banner and benchmark configuration.
func printBenchBanner(backend, algorithm string, duration time.Duration, concurrency int) {
	fmt.Print(banner)
	fmt.Println("Keygate Benchmark Suite")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Backend: %s | Algorithm: %s\n", backend, algorithm)
	fmt.Printf("Duration: %s | Concurrency: %d\n", duration, concurrency)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// memStats captures a snapshot of memory statistics for reporting.
type memStats struct {
	HeapAlloc uint64
	Sys       uint64
}

func captureMemStats() memStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memStats{HeapAlloc: m.HeapAlloc, Sys: m.Sys}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func runBenchmark(backend, redisAddr string, duration time.Duration, concurrency int, algorithm string, capacity int64) error {
	printBenchBanner(backend, algorithm, duration, concurrency)

	memBefore := captureMemStats()
	ctx := context.Background()

	// Counter backend under test
	var counters store.CounterStore
	switch backend {
	case "memory":
		counters = store.NewMemory()
	case "redis":
		fmt.Print("Connecting to redis... ")
		rds, err := store.NewRedis(ctx, store.RedisOptions{Addr: redisAddr, PoolSize: concurrency + 5})
		if err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
		defer rds.Close()
		counters = rds
		fmt.Println("ok")
	default:
		return fmt.Errorf("unsupported backend %q (supported: memory, redis)", backend)
	}

	rule := model.RateLimitRule{
		ID:        "bench",
		Scope:     model.ScopePerAPIKey,
		Algorithm: model.Algorithm(algorithm),
		Capacity:  capacity,
		Window:    time.Minute,
	}
	if rule.Algorithm == model.TokenBucket {
		rule.Window = 0
		rule.Capacity = 0
		rule.RefillPerSecond = float64(capacity)
		rule.Burst = capacity
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid benchmark rule: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter, err := ratelimit.NewManager(counters, []model.RateLimitRule{rule}, ratelimit.DefaultPenaltyPolicy(), logger)
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}

	// A throwaway in-memory key store holds the benchmark credential.
	codec, err := credential.NewCodec([]byte("benchmark-signing-key"))
	if err != nil {
		return err
	}
	keyStore := store.NewMemory()
	keySvc := service.NewKeys(keyStore, codec, nil)
	apiKey, secret, err := keySvc.Create(ctx, service.CreateKeyParams{Label: "benchmark"})
	if err != nil {
		return fmt.Errorf("mint benchmark key: %w", err)
	}

	decide := service.NewDecision(keyStore, codec, limiter, nil, false, logger)

	// Warm up the hot path once before measuring.
	if d := decide.Decide(ctx, service.Request{KeyID: apiKey.KeyID, Secret: secret}); !d.Allowed {
		return fmt.Errorf("warmup request denied: %s", d.Reason)
	}

	fmt.Println("Running benchmark...")
	fmt.Println()

	var (
		totalAllowed atomic.Int64
		totalDenied  atomic.Int64
		latencies    = make([]time.Duration, 0, 100000)
		latencyMu    sync.Mutex
	)

	deadline := time.Now().Add(duration)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := service.Request{KeyID: apiKey.KeyID, Secret: secret}
			for time.Now().Before(deadline) {
				start := time.Now()
				d := decide.Decide(ctx, req)
				elapsed := time.Since(start)

				if d.Allowed {
					totalAllowed.Add(1)
				} else {
					totalDenied.Add(1)
				}
				latencyMu.Lock()
				latencies = append(latencies, elapsed)
				latencyMu.Unlock()
			}
		}()
	}

	wg.Wait()

	memAfter := captureMemStats()

	allowed := totalAllowed.Load()
	denied := totalDenied.Load()
	total := allowed + denied
	dps := float64(total) / duration.Seconds()

	fmt.Println("Results")
	fmt.Println("-------")
	fmt.Printf("  Total decisions: %d\n", total)
	fmt.Printf("  Allowed:         %d\n", allowed)
	fmt.Printf("  Denied:          %d\n", denied)
	fmt.Printf("  Decisions/sec:   %.1f\n", dps)

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})
		fmt.Printf("  Latency p50:     %s\n", latencies[len(latencies)*50/100])
		fmt.Printf("  Latency p95:     %s\n", latencies[len(latencies)*95/100])
		fmt.Printf("  Latency p99:     %s\n", latencies[len(latencies)*99/100])
		fmt.Printf("  Latency max:     %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("Memory")
	fmt.Println("------")
	fmt.Printf("  Heap before:    %s\n", formatBytes(memBefore.HeapAlloc))
	fmt.Printf("  Heap after:     %s\n", formatBytes(memAfter.HeapAlloc))
	fmt.Printf("  RSS (sys) before: %s\n", formatBytes(memBefore.Sys))
	fmt.Printf("  RSS (sys) after:  %s\n", formatBytes(memAfter.Sys))

	return nil
}
