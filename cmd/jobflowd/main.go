// Command jobflowd runs the workflow engine daemon: HTTP API, worker pool,
// Redis-backed state, OpenAI-compatible LLM gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/karrierehq/jobflow/ai"
	"github.com/karrierehq/jobflow/core"
	"github.com/karrierehq/jobflow/engine"
	"github.com/karrierehq/jobflow/httpapi"
	"github.com/karrierehq/jobflow/telemetry"
	"github.com/karrierehq/jobflow/tokens"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jobflowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := core.NewConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := core.NewProductionLogger(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = shutdownTelemetry(flushCtx)
	}()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	workflowStore := engine.NewRedisWorkflowStore(redisClient, 7*24*time.Hour, logger)
	statusStore := engine.NewRedisStatusStore(redisClient, 7*24*time.Hour)

	limiter := tokens.NewLimiter(
		tokens.NewRedisUsageStore(redisClient),
		tokens.NewRedisSettingsStore(redisClient),
		statusStore,
		logger,
		map[string]float64{
			cfg.LLM.Model:         2.50,
			cfg.LLM.FallbackModel: 0.15,
		},
	)

	client := ai.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout, logger)
	gateway := ai.NewGateway(client, limiter, logger, ai.GatewayConfig{
		Model:             cfg.LLM.Model,
		FallbackModel:     cfg.LLM.FallbackModel,
		MaxRetries:        cfg.LLM.MaxRetries,
		RetryDelay:        cfg.LLM.RetryDelay,
		FallbackThreshold: cfg.LLM.FallbackThreshold,
	})

	registry := engine.NewToolRegistry(logger)
	for _, tc := range cfg.Tools {
		if err := registry.Register(engine.NewHTTPTool(tc, cfg.Engine.ToolTimeout)); err != nil {
			return fmt.Errorf("registering tool %q: %w", tc.Name, err)
		}
	}

	executor := engine.NewExecutor(registry, gateway, statusStore, logger,
		cfg.Engine.StepRetries, cfg.Engine.RetryDelay)
	orchestrator := engine.NewOrchestrator(workflowStore, statusStore, executor, logger)
	planner := engine.NewPlanner(registry, gateway, logger, cfg.LLM.Model)
	eng := engine.NewEngine(planner, orchestrator, workflowStore, statusStore, logger,
		cfg.Engine.Workers, cfg.Engine.QueueCapacity)
	eng.Start()

	api := httpapi.NewServer(eng, limiter, logger, os.Getenv("JOBFLOW_ENV") != "production")
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{
			"operation": "server_start",
			"port":      cfg.HTTP.Port,
			"tools":     len(cfg.Tools),
			"workers":   cfg.Engine.Workers,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", map[string]interface{}{
			"operation": "server_shutdown",
		})
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	drainCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("HTTP server shutdown failed", map[string]interface{}{
			"operation": "server_shutdown",
			"error":     err.Error(),
		})
	}
	if err := eng.Shutdown(drainCtx); err != nil {
		logger.Error("Engine shutdown failed", map[string]interface{}{
			"operation": "engine_shutdown",
			"error":     err.Error(),
		})
	}
	return nil
}
