// Shaman orchestrator server — serves the public and internal A2A
// personas, manages queue workers, and drives agent runs to completion.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/codespin-ai/shaman/pkg/agent"
	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/cleanup"
	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/database"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/executor"
	"github.com/codespin-ai/shaman/pkg/jsonrpc"
	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/masking"
	"github.com/codespin-ai/shaman/pkg/mcp"
	"github.com/codespin-ai/shaman/pkg/metrics"
	"github.com/codespin-ai/shaman/pkg/queue"
	"github.com/codespin-ai/shaman/pkg/ratelimit"
	"github.com/codespin-ai/shaman/pkg/scheduler"
	"github.com/codespin-ai/shaman/pkg/server"
	"github.com/codespin-ai/shaman/pkg/store"
	"github.com/codespin-ai/shaman/pkg/tools"
	"github.com/codespin-ai/shaman/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envPath := flag.String("env-file",
		getEnv("SHAMAN_ENV_FILE", ".env"),
		"Path to .env file seeding the environment")
	flag.Parse()

	podID := resolvePodID()

	// 1. Load configuration (seeds the environment from the .env file)
	cfg, err := config.Load(*envPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.Server.LogLevel),
	})))

	slog.Info("Starting Shaman",
		"version", version.Full(),
		"pod_id", podID,
		"public_port", cfg.Server.PublicPort,
		"internal_port", cfg.Server.InternalPort)

	ctx := context.Background()

	// 2. Connect to the database and apply migrations
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	if dbConfig.URL == "" && cfg.Queue.Endpoint != "" {
		// The Postgres queue backend shares the primary database; a
		// FOREMAN_ENDPOINT DSN stands in when DATABASE_URL is unset.
		dbConfig.URL = cfg.Queue.Endpoint
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	m := metrics.New()
	st := store.New(dbClient.DB())

	// 3. Queue: one-time startup orphan cleanup, then the worker pool
	taskQueue := queue.NewPostgresQueue(dbClient.DB(), cfg.Queue, m)
	if err := queue.CleanupStartupOrphans(ctx, taskQueue, podID); err != nil {
		slog.Error("Failed to cleanup startup orphans", "error", err)
		// Non-fatal — the periodic scan picks up whatever this missed
	}
	workerPool := queue.NewWorkerPool(podID, taskQueue, cfg.Queue)

	// 4. Streaming infrastructure: persisted events + LISTEN/NOTIFY feed
	eventPublisher := events.NewEventPublisher(dbClient.DB())
	eventStore := events.NewEventStore(dbClient.DB())
	hub := events.NewSubscriberHub(eventStore, m)

	notifyListener := events.NewNotifyListener(dbClient.DSN(), hub)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	hub.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 5. Auth, agent registry, and the scheduler
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	apiKeys := auth.NewAPIKeyAuthenticator(st.APIKeys)
	resolver := agent.NewRegistryResolver(st.Agents)

	sched := scheduler.New(scheduler.Deps{
		Store:     st,
		Queue:     taskQueue,
		Pool:      workerPool,
		Resolver:  resolver,
		Publisher: eventPublisher,
		Hub:       hub,
		Events:    eventStore,
		Tokens:    tokens,
		Metrics:   m,
		Config:    cfg,
	})

	// 6. MCP tool servers. Eager validation: a server that cannot
	// connect at startup fails the boot instead of stranding every
	// agent that grants it.
	var invoker tools.ToolInvoker
	if !cfg.MCP.Empty() {
		masker := masking.NewService(cfg.MCP)
		mcpInvoker := mcp.NewInvoker(cfg.MCP, version.AppName, version.GitCommit, masker)
		if err := mcpInvoker.Initialize(ctx); err != nil {
			slog.Error("MCP startup validation failed", "error", err)
			os.Exit(1)
		}
		if failed := mcpInvoker.FailedServers(); len(failed) > 0 {
			slog.Error("MCP servers failed startup validation", "failed_servers", failed)
			_ = mcpInvoker.Close()
			os.Exit(1)
		}
		defer func() {
			if err := mcpInvoker.Close(); err != nil {
				slog.Error("Error closing MCP sessions", "error", err)
			}
		}()
		invoker = mcpInvoker
		slog.Info("MCP servers validated", "count", len(cfg.MCP.Servers))
	}

	// 7. Agent execution loop: LLM providers, tool router, executor.
	// The router loops agent calls back through the scheduler, which is
	// why handler registration is a separate step.
	llms := llm.NewRegistryFromKeys(cfg.LLM.OpenAIAPIKey, cfg.LLM.AnthropicAPIKey)
	router := tools.NewRouter(st.RunData, sched, invoker, cfg.Scheduler.MaxDepth)
	exec := executor.New(st, llms, router, eventPublisher, m, cfg)

	sched.RegisterHandlers(exec, cfg.Queue.WorkerCount)
	taskQueue.SetDeadTaskFunc(sched.HandleDeadTask)

	// 8. Start the worker pool (before the HTTP listeners)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	var retention *cleanup.Service
	if cfg.Retention.Enabled {
		retention = cleanup.NewService(cleanup.Config{
			RunMaxAge:  cfg.Retention.RunMaxAge,
			EventTTL:   cfg.Retention.EventTTL,
			TaskMaxAge: cfg.Retention.TaskMaxAge,
			Interval:   cfg.Retention.Interval,
		}, st.Runs, eventStore, taskQueue)
		retention.Start(ctx)
	}

	// 9. JSON-RPC registry and the two personas
	registry := jsonrpc.NewRegistry(slog.Default())
	sched.Routes(registry)
	registry.SetObserver(m.RecordRPC)

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.Server.RateLimit)
	}

	serverDeps := server.Deps{
		Config:   cfg,
		Registry: registry,
		DB:       dbClient,
		Resolver: resolver,
		APIKeys:  apiKeys,
		Tokens:   tokens,
		Limiter:  limiter,
		Metrics:  m,
	}

	errCh := make(chan error, 2)

	publicServer := server.NewPublic(serverDeps)
	go func() {
		if err := publicServer.Start(":" + cfg.Server.PublicPort); err != nil {
			slog.Error("Public server error", "error", err)
			errCh <- err
		}
	}()

	var internalServer *server.Server
	if cfg.Server.InternalPort != "" {
		internalServer = server.NewInternal(serverDeps)
		go func() {
			if err := internalServer.Start(":" + cfg.Server.InternalPort); err != nil {
				slog.Error("Internal server error", "error", err)
				errCh <- err
			}
		}()
	}

	slog.Info("Shaman started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"methods", registry.Methods())

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: drain workers, then the HTTP listeners;
	// the deferred closes tear down the NOTIFY connection and database.
	if retention != nil {
		retention.Stop()
	}

	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — incomplete steps will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := publicServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("Public server shutdown error", "error", err)
	}
	if internalServer != nil {
		if err := internalServer.Shutdown(httpShutdownCtx); err != nil {
			slog.Error("Internal server shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}
