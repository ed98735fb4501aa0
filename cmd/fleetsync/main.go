package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vendtrak/fleetsync/api"
	"github.com/vendtrak/fleetsync/bus"
	"github.com/vendtrak/fleetsync/config"
	"github.com/vendtrak/fleetsync/diag"
	"github.com/vendtrak/fleetsync/normalize"
	"github.com/vendtrak/fleetsync/portal"
	"github.com/vendtrak/fleetsync/scheduler"
	"github.com/vendtrak/fleetsync/session"
	"github.com/vendtrak/fleetsync/store"
)

func main() {
	configPath := env("CONFIG", "fleetsync.yaml")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	creds, err := config.Credentials()
	if err != nil {
		slog.Error("credentials", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Diagnostics DB.
	diagStore, err := diag.Open(cfg.Diag.Path)
	if err != nil {
		slog.Error("diag db", "error", err)
		os.Exit(1)
	}
	defer diagStore.Close()

	// Record log.
	records, err := store.Open(cfg.Store.Path,
		store.WithRetention(cfg.Store.Retention.Std()),
		store.WithCurrency(cfg.Store.Currency),
	)
	if err != nil {
		slog.Error("record store", "error", err)
		os.Exit(1)
	}
	defer records.Close()

	sessions := session.NewStore(cfg.Session.Path, session.WithMaxAge(cfg.Session.MaxAge.Std()))

	// Authenticator: form post by default, headless browser when the portal
	// version needs scripted login.
	var auth portal.Authenticator
	var passive scheduler.PassiveSource
	if cfg.Portal.Browser.Enabled {
		browserAuth := portal.NewBrowserAuthenticator(portal.BrowserConfig{
			BaseURL:     cfg.Portal.BaseURL,
			LoginPath:   cfg.Portal.LoginPath,
			RemoteURL:   cfg.Portal.Browser.RemoteURL,
			BrowsePages: cfg.Portal.Browser.BrowsePages,
			Diag:        diagStore,
		})
		auth = browserAuth
		passive = browserAuth
	} else {
		auth = portal.NewFormAuthenticator(portal.FormConfig{
			BaseURL:   cfg.Portal.BaseURL,
			LoginPath: cfg.Portal.LoginPath,
			Diag:      diagStore,
		})
	}

	capturer := portal.NewClient(portal.ClientConfig{
		BaseURL:    cfg.Portal.BaseURL,
		Endpoints:  cfg.Portal.Endpoints,
		WindowDays: cfg.Portal.WindowDays,
		Diag:       diagStore,
	})

	normalizer := normalize.New(normalize.Config{ExtraAliases: cfg.ExtraAliases})
	eventBus := bus.New()

	runner, err := scheduler.NewRunner(scheduler.RunnerConfig{
		Sessions:   sessions,
		Auth:       auth,
		Creds:      creds,
		Capturer:   capturer,
		Normalizer: normalizer,
		Records:    records,
		Publisher:  eventBus,
		Passive:    passive,
		CycleLog:   diagStore,
	})
	if err != nil {
		slog.Error("runner", "error", err)
		os.Exit(1)
	}
	sched := scheduler.New(runner.Cycle)

	if cfg.Scheduler.AutoStart {
		sched.Start(ctx, cfg.Scheduler.Interval.Std())
	}

	// Diagnostics cleanup rides a slow ticker.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := diagStore.Cleanup(ctx, cfg.Diag.Keep.Std()); err != nil {
					slog.Warn("diag cleanup", "error", err)
				}
			}
		}
	}()

	server := &http.Server{
		Addr: cfg.API.Addr,
		Handler: api.New(api.Config{
			Store:     records,
			Bus:       eventBus,
			Scheduler: sched,
			BaseCtx:   ctx,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("api listening", "addr", cfg.API.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
