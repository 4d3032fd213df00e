// Adjutant assistant core - priority worker pool, cluster dispatch, and the
// streaming query router behind an HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adjutant-ai/adjutant/pkg/api"
	"github.com/adjutant-ai/adjutant/pkg/config"
	"github.com/adjutant-ai/adjutant/pkg/database"
	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/focus"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/memory"
	"github.com/adjutant-ai/adjutant/pkg/observability"
	"github.com/adjutant-ai/adjutant/pkg/pool"
	"github.com/adjutant-ai/adjutant/pkg/proactive"
	"github.com/adjutant-ai/adjutant/pkg/router"
	"github.com/adjutant-ai/adjutant/pkg/toolchain"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// nodeProbeInterval is how often remote nodes are health-probed.
const nodeProbeInterval = 30 * time.Second

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(getEnv("LOG_LEVEL", "info")),
	})))

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	ctx := context.Background()

	// Session memory: Postgres-backed when enabled, otherwise discarded.
	var memStore memory.Store = memory.NoopStore{}
	var dbClient *database.Client
	if cfg.Memory.Enabled {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			log.Fatalf("Failed to load database config: %v", err)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		memStore = memory.NewPostgresStore(dbClient.DB())
		slog.Info("Session memory persistence enabled")
	}

	// Worker pool with metrics callbacks.
	workerPool := pool.New(cfg.Pool)
	onStart, onEnd := observability.PoolCallbacks()
	workerPool.SetCallbacks(onStart, onEnd)
	workerPool.Start()

	// Model backend and task registry.
	var authToken string
	if cfg.Backend.AuthTokenEnv != "" {
		authToken = os.Getenv(cfg.Backend.AuthTokenEnv)
	}
	backend := llm.NewHTTPClient(cfg.Backend.BaseURL, authToken)

	focusMgr := focus.NewInMemoryManager()
	registry := dispatch.NewRegistry()
	router.RegisterLLMHandlers(registry, backend, focusMgr)

	// Toolchain executor behind toolchain.execute: tool-tier model by
	// default, host shell only when explicitly configured.
	var toolExec router.ToolchainExecutor
	if cfg.Toolchain.Mode == config.ToolchainModeShell {
		slog.Warn("Toolchain shell mode enabled, queries run as host commands",
			"shell", cfg.Toolchain.Shell)
		toolExec = toolchain.ShellExecutor{
			Shell:   cfg.Toolchain.Shell,
			Timeout: cfg.Toolchain.Timeout,
		}
	} else {
		toolExec = toolchain.LLMExecutor{Backend: backend}
	}
	router.RegisterToolchainHandler(registry, toolExec)

	// Cluster dispatch over the local pool and configured remote nodes.
	executor := observability.InstrumentedExecutor{
		Next: dispatch.NewHTTPExecutor(
			cfg.Cluster.SubmitRatePerNode,
			cfg.Cluster.SubmitBurst,
			cfg.Cluster.RequestTimeout),
	}
	dispatcher := dispatch.NewDispatcher(workerPool, registry, executor, cfg.Cluster)
	for _, n := range cfg.Cluster.Nodes {
		var nodeToken string
		if n.AuthTokenEnv != "" {
			nodeToken = os.Getenv(n.AuthTokenEnv)
		}
		dispatcher.AddNode(&dispatch.RemoteNode{
			Name:      n.Name,
			BaseURL:   n.BaseURL,
			Labels:    n.Labels,
			AuthToken: nodeToken,
			Weight:    n.Weight,
		})
	}

	// Query router.
	queryRouter := router.NewRouter(dispatcher, cfg.Router)
	queryRouter.SetMemoryStore(memStore)
	queryRouter.SetFocusManager(focusMgr)

	// Proactive scheduler.
	scheduler := proactive.NewScheduler(workerPool, dispatcher, focusMgr, cfg.Proactive)
	scheduler.AddProvider(proactive.FocusBoardProvider{Manager: focusMgr})
	scheduler.AddProvider(proactive.PoolStatsProvider{Pool: workerPool})
	proactive.RegisterHandler(registry, scheduler)
	if cfg.Proactive.Enabled {
		scheduler.Start()
	}

	// Periodic remote node health probing.
	probeCtx, stopProbes := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(nodeProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				dispatcher.ProbeNodes(probeCtx)
			}
		}
	}()

	// HTTP API.
	server := api.NewServer(cfg.Server, workerPool, dispatcher, queryRouter)
	if dbClient != nil {
		server.SetDatabaseClient(dbClient)
	}
	server.SetScheduler(scheduler)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	slog.Info("Adjutant started", "port", cfg.Server.Port)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	stopProbes()
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}

	workerPool.Stop(true, false)
	slog.Info("Shutdown complete")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
