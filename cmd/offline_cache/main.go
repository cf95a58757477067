package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/italolelis/offline_cache/internal/config"
	"github.com/italolelis/offline_cache/internal/engine"
	"github.com/italolelis/offline_cache/internal/fsstore"
	"github.com/italolelis/offline_cache/internal/http/rest"
	"github.com/italolelis/offline_cache/internal/logctx"
	"github.com/italolelis/offline_cache/internal/netmon"
	"github.com/italolelis/offline_cache/internal/notifier"
	"github.com/italolelis/offline_cache/internal/provider"
	"github.com/italolelis/offline_cache/internal/provider/httpdl"
	"github.com/italolelis/offline_cache/internal/provider/putio"
	"github.com/italolelis/offline_cache/internal/storage/sqlite"
	"github.com/italolelis/offline_cache/internal/telemetry"
)

type downloadEvent struct {
	url  string
	path string
	err  error
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("offline cache starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.TelemetryEnabled,
		ServiceName: "offline_cache",
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedRecordRepository(database, tel)

	// =========================================================================
	// Start Download Provider
	prov, err := buildDownloadProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build download provider: %w", err)
	}

	instrumented := provider.NewInstrumentedProvider(prov, tel, cfg.Provider)

	// =========================================================================
	// Start Cache Engine
	events := make(chan downloadEvent, 64)

	eng, err := engine.New(engine.Options{
		Domain:             cfg.Domain,
		Dir:                cfg.TargetDir,
		Store:              store,
		Files:              fsstore.NewDisk(),
		Provider:           instrumented,
		Monitor:            buildNetworkMonitor(cfg),
		ActiveNetworkTypes: cfg.ActiveNetworkTypes,
		RetryInterval:      cfg.RetryInterval,
		Metrics:            tel,
		OnDone: func(url, path string) {
			select {
			case events <- downloadEvent{url: url, path: path}:
			default:
			}
		},
		OnError: func(url string, err error) {
			select {
			case events <- downloadEvent{url: url, err: err}:
			default:
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	if err := eng.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer func() {
		if err := eng.Terminate(); err != nil {
			logger.Error("failed to terminate engine", "err", err)
		}
	}()

	// =========================================================================
	// Start Notification
	setupNotification(ctx, events, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, eng, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("cache ready",
		"domain", cfg.Domain,
		"target_dir", cfg.TargetDir,
		"provider", cfg.Provider,
		"retry_interval", cfg.RetryInterval.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}

		return nil
	}
}

func setupNotification(ctx context.Context, events <-chan downloadEvent, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-events:
				if event.err != nil {
					logger.Error("download failed", "url", event.url, "err", event.err)

					if notifyErr := notif.Notify("❌ Download failed: " + event.url); notifyErr != nil {
						logger.Error("failed to send notification", "err", notifyErr)
					}

					continue
				}

				logger.Info("download finished", "url", event.url, "path", event.path)

				if notifyErr := notif.Notify("✅ Download finished: " + event.url); notifyErr != nil {
					logger.Error("failed to send notification", "err", notifyErr)
				}
			}
		}
	}()
}

// This is an abstract factory for the download provider.
func buildDownloadProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "http":
		return httpdl.New(&http.Client{}), nil
	case "putio":
		p := putio.New(cfg.PutioToken, cfg.PutioPollInterval)
		if err := p.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		return p, nil
	}

	return nil, fmt.Errorf("invalid download provider: %s", cfg.Provider)
}

func buildNetworkMonitor(cfg *config.Config) netmon.Monitor {
	if cfg.NetworkProbeAddr == "" {
		return nil
	}

	return netmon.NewPoller(cfg.NetworkProbeAddr, cfg.NetworkType, cfg.NetworkProbeEvery)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, eng *engine.Engine, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	qHandler := rest.NewQueueHandler(cfg.API.Username, cfg.API.Password, eng)
	mw := telemetry.NewHTTPMiddleware(tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(mw.Middleware)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", qHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
