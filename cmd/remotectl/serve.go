package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattjoyce/remotectl/internal/api"
	"github.com/mattjoyce/remotectl/internal/auth"
	"github.com/mattjoyce/remotectl/internal/config"
	"github.com/mattjoyce/remotectl/internal/lock"
	"github.com/mattjoyce/remotectl/internal/log"
	"github.com/mattjoyce/remotectl/internal/metrics"
	"github.com/mattjoyce/remotectl/internal/retention"
	"github.com/mattjoyce/remotectl/internal/webhook"
)

func printServeHelp() {
	fmt.Println("Usage: remotectl serve [--config PATH] [--listen ADDR]")
	fmt.Println("Run the HTTP API in the foreground until SIGINT or SIGTERM.")
	fmt.Println("Also prunes old rows every retention.interval and posts command outcomes")
	fmt.Println("to the configured webhooks.")
}

func runServe(args []string) int {
	fs, cf := newFlagSet("serve", false)
	listen := fs.String("listen", "", "Override api.listen")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cf.configPath, os.Stdout, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return exitError
	}
	defer a.Close()

	logger := log.WithComponent("main")
	logger.Info("remotectl starting", "version", version, "config", a.cfg.SourcePath, "driver", a.cfg.Storage.Driver)

	if !a.cfg.API.Enabled {
		logger.Error("api.enabled is false; nothing to serve")
		return exitError
	}

	// Two servers on one SQLite file would interleave their clocks.
	if isSQLite(a.cfg.Storage.Driver) {
		pidLock, err := lock.Acquire(lock.PathFor(a.cfg.Storage.Path))
		if err != nil {
			logger.Error("failed to acquire store lock (another server may be running)", "error", err)
			return exitError
		}
		defer pidLock.Release()
		logger.Info("acquired store lock", "path", pidLock.Path())
	}

	metrics.Init(a.db, logger)

	tokens := make([]auth.TokenConfig, 0, len(a.cfg.API.Auth.Tokens))
	for _, t := range a.cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	apiConfig := api.Config{
		Listen:             a.cfg.API.Listen,
		APIKey:             a.cfg.API.Auth.APIKey,
		Tokens:             tokens,
		MaxConcurrentWaits: a.cfg.API.MaxConcurrentWaits,
		MaxWaitTimeout:     a.cfg.API.MaxWaitTimeout,
	}
	if *listen != "" {
		apiConfig.Listen = *listen
	}
	pruner := retention.New(retention.Config{
		Commands: a.cfg.Retention.Commands,
		Events:   a.cfg.Retention.Events,
		Interval: a.cfg.Retention.Interval,
	}, a.store, a.hub, log.Get())
	pruner.Start(ctx)
	defer pruner.Stop()

	notifier := webhook.NewNotifier(webhookTargets(a.cfg.Webhooks), a.hub, log.Get())
	notifier.Start(ctx)
	defer notifier.Stop()

	server := api.New(apiConfig, a.store, a.dispatcher, a.scheduler, a.policies, a.hub, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		// Wake requests blocked in an await so shutdown does not wait out
		// their budgets.
		a.scheduler.Close()
		if err := <-errCh; err != nil && err != context.Canceled {
			logger.Warn("api shutdown", "error", err)
		}
	case err := <-errCh:
		logger.Error("api server failed", "error", err)
		return exitError
	}

	logger.Info("remotectl stopped")
	return exitOK
}

func webhookTargets(cfgs []config.WebhookConfig) []webhook.Target {
	out := make([]webhook.Target, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, webhook.Target{
			URL:     c.URL,
			Secret:  c.Secret,
			Events:  c.Events,
			Devices: c.Devices,
			Timeout: c.Timeout,
		})
	}
	return out
}

func isSQLite(driver string) bool {
	d := strings.ToLower(strings.TrimSpace(driver))
	return d == "" || d == "sqlite"
}
