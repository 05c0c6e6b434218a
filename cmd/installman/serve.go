package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/installman/internal/api"
	"github.com/mattjoyce/installman/internal/auth"
	"github.com/mattjoyce/installman/internal/config"
	"github.com/mattjoyce/installman/internal/events"
	"github.com/mattjoyce/installman/internal/history"
	"github.com/mattjoyce/installman/internal/lock"
	"github.com/mattjoyce/installman/internal/log"
	"github.com/mattjoyce/installman/internal/pipeline"
	"github.com/mattjoyce/installman/internal/report"
	"github.com/mattjoyce/installman/internal/webhook"
	"github.com/mattjoyce/installman/internal/workspace"
)

const shutdownGrace = 30 * time.Second

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	listen := fs.String("listen", "", "Listen address (overrides api.listen)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("installman starting", "version", version, "config", cfg.SourcePath)

	if cfg.Install.LockPath != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Install.LockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Install.LockPath, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", cfg.Install.LockPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hist, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		logger.Error("failed to open history", "path", cfg.History.Path, "error", err)
		return 1
	}
	defer hist.Close()
	logger.Info("history opened", "path", cfg.History.Path)

	wsm, err := workspace.NewFSManager(cfg.Workspace.BaseDir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", cfg.Workspace.BaseDir, "error", err)
		return 1
	}
	if cfg.Workspace.PruneOnStart {
		rep, err := wsm.Cleanup(ctx, cfg.Workspace.StaleAge)
		if err != nil {
			logger.Warn("workspace prune failed", "error", err)
		} else {
			logger.Info("pruned stale workspaces", "deleted", rep.DeletedDirs, "base_dir", wsm.BaseDir())
		}
	}

	hub := events.NewHub(cfg.API.EventBuffer)
	obs := report.NewAsync(report.Multi{
		events.NewReporter(hub),
		report.NewSlogReporter(log.WithComponent("job")),
	})
	defer obs.Close()

	inst, err := pipeline.New(pipelineConfig(cfg), obs,
		pipeline.WithWorkspaces(wsm),
		pipeline.WithHistory(hist),
		pipeline.WithLogger(log.WithComponent("pipeline")),
	)
	if err != nil {
		logger.Error("invalid build configuration", "error", err)
		return 1
	}

	apiServer := api.New(apiConfig(cfg), inst, hist, hub, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		webhookConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return 1
		}
		webhookServer := webhook.New(webhookConfig, inst, log.WithComponent("webhook"))
		go func() {
			if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))
	}

	logger.Info("installman running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	if err := inst.Shutdown(shutdownCtx); err != nil {
		logger.Error("install job did not stop in time", "error", err)
		code = 1
	}

	logger.Info("installman stopped")
	return code
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
	for _, t := range cfg.API.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen:        cfg.API.Listen,
		Tokens:        tokens,
		RequireDigest: cfg.Install.RequireDigest,
	}
}
