// AgentPress server — exposes the HTTP API and runs agent orchestration
// loops against the LLM gateway, with PostgreSQL-backed durable event
// streaming.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kortix-ai/agentpress/pkg/agent/contextmgr"
	"github.com/kortix-ai/agentpress/pkg/agent/orchestrator"
	"github.com/kortix-ai/agentpress/pkg/api"
	"github.com/kortix-ai/agentpress/pkg/cleanup"
	"github.com/kortix-ai/agentpress/pkg/config"
	"github.com/kortix-ai/agentpress/pkg/database"
	"github.com/kortix-ai/agentpress/pkg/events"
	"github.com/kortix-ai/agentpress/pkg/llm"
	"github.com/kortix-ai/agentpress/pkg/runs"
	"github.com/kortix-ai/agentpress/pkg/services"
	"github.com/kortix-ai/agentpress/pkg/tools"
	"github.com/kortix-ai/agentpress/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting AgentPress",
		"version", version.Full(),
		"http_port", cfg.Server.Port,
		"instance_id", cfg.Server.InstanceID)

	// 2. Database (connects and runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	// 3. Domain services
	threadService := services.NewThreadService(dbClient.Client)
	messageService := services.NewMessageService(dbClient.Client)
	runService := services.NewRunService(dbClient.Client)
	eventService := services.NewEventService(dbClient.Client)

	// 4. LLM gateway client with provider-layer retries
	llmClient, err := llm.NewGRPCClient(cfg.LLM.Addr)
	if err != nil {
		logger.Error("Failed to initialize LLM client", "addr", cfg.LLM.Addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := llmClient.Close(); err != nil {
			logger.Error("Error closing LLM client", "error", err)
		}
	}()
	retryCfg := llm.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.LLM.MaxAttempts
	retryClient := llm.NewRetryClient(llmClient, retryCfg, logger)
	logger.Info("LLM client initialized", "addr", cfg.LLM.Addr)

	// 5. Streaming infrastructure. All NOTIFY sinks must be registered
	// before the listener starts.
	listener := events.NewNotifyListener(dbConfig.DSN())
	broker := events.NewBroker(eventService, listener)
	connManager := events.NewConnectionManager(eventService, cfg.Server.WSWriteTimeout)
	registry := runs.NewRegistry(
		runService,
		listener,
		runs.DatabaseEndNotifier(dbClient.DB()),
		cfg.Server.InstanceID,
		*cfg.Registry,
		logger,
	)
	listener.AddSink(broker)
	listener.AddSink(connManager)
	listener.AddSink(registry)
	connManager.SetListener(listener)

	if err := listener.Start(ctx); err != nil {
		logger.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	logger.Info("Streaming infrastructure initialized")

	// 6. Crash recovery: runs this instance owned before a restart can
	// never resume and are failed with a terminal end event.
	if err := registry.RecoverOwned(ctx); err != nil {
		logger.Error("Startup run recovery failed", "error", err)
	}
	registry.Start(ctx)

	// 7. Orchestration
	toolRegistry := tools.NewRegistry()
	if err := registerBuiltinTools(toolRegistry); err != nil {
		logger.Error("Failed to register builtin tools", "error", err)
		os.Exit(1)
	}

	contextManager := contextmgr.NewManager(
		messageService,
		retryClient,
		contextmgr.NewTokenCounter(cfg.Runs.Model),
		logger,
	)
	orch := orchestrator.New(
		messageService,
		contextManager,
		runService,
		retryClient,
		toolRegistry,
		nil,
		logger,
	)
	runner := orchestrator.NewRunner(orch, runService, registry, dbClient.DB(), cfg.Server.InstanceID, cfg.Server.EventPingInterval, logger)

	// 8. Retention
	cleanupService := cleanup.NewService(cfg.Retention, eventService, logger)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 9. HTTP server
	server := api.NewServer(api.Deps{
		Config:   cfg.Server,
		Defaults: cfg.Runs,
		Threads:  threadService,
		Messages: messageService,
		Runs:     runService,
		Agent:    runner,
		Streams:  broker,
		WS:       connManager,
		DB:       dbClient.DB(),
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	logger.Info("AgentPress started")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("HTTP server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop accepting requests, then give active
	// runs their grace window to observe the stop signal.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	registry.Shutdown(ctx)

	logger.Info("Shutdown complete")
}

// registerBuiltinTools installs the tools every deployment carries. The
// idle tool is the default terminal signal: calling it tells the loop
// the task is finished.
func registerBuiltinTools(reg *tools.Registry) error {
	return reg.Register(tools.Definition{
		Name:        "idle",
		Description: "Signal that the task is complete and no further work is needed.",
		XMLTag: &tools.XMLTagSpec{
			TagName: "idle",
		},
		Handler: func(context.Context, map[string]any) (string, error) {
			return "Task marked complete.", nil
		},
	})
}
