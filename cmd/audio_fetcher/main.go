package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/italolelis/audio_fetcher/internal/blobstore"
	"github.com/italolelis/audio_fetcher/internal/cache"
	"github.com/italolelis/audio_fetcher/internal/cleanup"
	"github.com/italolelis/audio_fetcher/internal/config"
	"github.com/italolelis/audio_fetcher/internal/convert"
	"github.com/italolelis/audio_fetcher/internal/http/rest"
	"github.com/italolelis/audio_fetcher/internal/logctx"
	"github.com/italolelis/audio_fetcher/internal/media"
	"github.com/italolelis/audio_fetcher/internal/notifier"
	"github.com/italolelis/audio_fetcher/internal/orchestrator"
	"github.com/italolelis/audio_fetcher/internal/provider"
	"github.com/italolelis/audio_fetcher/internal/provider/deezer"
	"github.com/italolelis/audio_fetcher/internal/provider/putio"
	"github.com/italolelis/audio_fetcher/internal/provider/spotify"
	"github.com/italolelis/audio_fetcher/internal/provider/ytdl"
	"github.com/italolelis/audio_fetcher/internal/scheduler"
	"github.com/italolelis/audio_fetcher/internal/storage"
	"github.com/italolelis/audio_fetcher/internal/storage/sqlite"
	"github.com/italolelis/audio_fetcher/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("audio fetcher starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "audio_fetcher",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	var (
		repo  storage.ArtifactRepository
		blobs *blobstore.Store
	)

	if cfg.Persistent() {
		database, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			logger.Error("DB error", "err", err)

			return err
		}
		defer database.Close()

		repo = sqlite.NewInstrumentedArtifactRepository(database, tel)

		blobs, err = blobstore.New(cfg.CacheDir)
		if err != nil {
			return fmt.Errorf("failed to open blob store: %w", err)
		}
	}

	// =========================================================================
	// Start Cache
	cacheOpts := []cache.Option{cache.WithTelemetry(tel)}
	if repo != nil {
		cacheOpts = append(cacheOpts, cache.WithPersistence(repo, blobs))
	}

	artifacts, err := cache.New[*scheduler.Job](cache.Config{
		Capacity: cfg.CacheCapacity,
		TTL:      cfg.CacheTTL,
	}, cacheOpts...)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}

	// =========================================================================
	// Start Scheduler
	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.Workers,
		MaxRetries:   cfg.MaxRetries,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
		CompletedTTL: cfg.CompletedTTL,
	},
		scheduler.WithTelemetry(tel),
		scheduler.WithTerminalHook(orchestrator.ReleaseOnTerminal(artifacts)),
	)

	schedCtx, stopScheduler := context.WithCancel(context.WithoutCancel(ctx))
	defer stopScheduler()

	schedDone := make(chan struct{})

	go func() {
		defer close(schedDone)

		if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "err", err)
		}
	}()

	// =========================================================================
	// Start Converter
	convOpts := []convert.Option{convert.WithTelemetry(tel)}
	if blobs != nil {
		convOpts = append(convOpts, convert.WithBlobStore(blobs))
	}

	converter := convert.New(convert.Config{FFmpegPath: cfg.FFmpegPath, MaxSize: cfg.MaxConversionSz}, convOpts...)

	// =========================================================================
	// Start Platform Adapters
	registry, err := buildRegistry(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build platform registry: %w", err)
	}

	// =========================================================================
	// Start Orchestrator
	defaultFormat, err := cfg.Format()
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{orchestrator.WithTelemetry(tel)}
	if blobs != nil {
		orchOpts = append(orchOpts, orchestrator.WithBlobRemover(blobs))
	}

	orch := orchestrator.New(orchestrator.Config{
		RequestTimeout: cfg.RequestTimeout,
		FetchTimeout:   cfg.FetchTimeout,
		ConvertTimeout: cfg.ConvertTimeout,
		MaxResults:     cfg.MaxResults,
		DefaultFormat:  defaultFormat,
	}, registry, converter, sched, artifacts, orchOpts...)

	// =========================================================================
	// Start Notification
	if err := setupNotification(ctx, orch, cfg); err != nil {
		return err
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for requests...",
		"workers", cfg.Workers,
		"default_format", defaultFormat.String(),
		"persistent", cfg.Persistent(),
		"cache_ttl", cfg.CacheTTL.String(),
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, artifacts, repo, blobs, cfg)

	// =========================================================================
	// Shutdown
	select {
	case err := <-serverErrors:
		err = fmt.Errorf("server error: %w", err)
		orch.Close()
		stopScheduler()
		<-schedDone

		return err
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	orch.Close()
	stopScheduler()
	<-schedDone

	return ctx.Err()
}

// buildRegistry creates one adapter per configured platform. Spotify and put.io are skipped without credentials.
func buildRegistry(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*provider.Registry, error) {
	logger := logctx.LoggerFromContext(ctx)

	priority, err := cfg.Priority()
	if err != nil {
		return nil, err
	}

	ytdlpPath := cfg.YtdlpPath
	if ytdlpPath == "" {
		resolved, err := ytdlp.Install(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to install yt-dlp: %w", err)
		}

		ytdlpPath = resolved.Executable
	}

	registry := provider.NewRegistry(priority)

	youtube := media.NewInstrumentedAdapter(ytdl.New(ytdl.YouTube, ytdl.Config{
		Executable: ytdlpPath,
		MaxResults: cfg.MaxResults,
		Limiter:    provider.NewLimiter(media.PlatformYouTube, cfg.RateLimit.YouTube, 1),
	}), tel)
	registry.Register(youtube)

	registry.Register(media.NewInstrumentedAdapter(ytdl.New(ytdl.SoundCloud, ytdl.Config{
		Executable: ytdlpPath,
		MaxResults: cfg.MaxResults,
		Limiter:    provider.NewLimiter(media.PlatformSoundCloud, cfg.RateLimit.SoundCloud, 1),
	}), tel))

	registry.Register(media.NewInstrumentedAdapter(deezer.NewClient(deezer.Config{
		MaxResults: cfg.MaxResults,
		Limiter:    provider.NewLimiter(media.PlatformDeezer, cfg.RateLimit.Deezer, 1),
	}), tel))

	if cfg.SpotifyClientID != "" && cfg.SpotifyClientSecret != "" {
		registry.Register(media.NewInstrumentedAdapter(spotify.NewClient(ctx, spotify.Config{
			ClientID:     cfg.SpotifyClientID,
			ClientSecret: cfg.SpotifyClientSecret,
			MaxResults:   cfg.MaxResults,
			Limiter:      provider.NewLimiter(media.PlatformSpotify, cfg.RateLimit.Spotify, 1),
		}, youtube), tel))
	} else {
		logger.Info("spotify credentials not set, spotify disabled")
	}

	if cfg.PutioToken != "" {
		client := putio.NewClient(cfg.PutioToken, cfg.MaxResults, provider.NewLimiter(media.PlatformPutio, cfg.RateLimit.Putio, 1))

		if err := client.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		registry.Register(media.NewInstrumentedAdapter(client, tel))
	}

	return registry, nil
}

func setupNotification(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.DiscordWebhookURL != "" {
		notif, err := notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
		if err != nil {
			return fmt.Errorf("failed to create notifier: %w", err)
		}

		go notifier.Forward(ctx, orch.OnFinished, notif)

		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-orch.OnFinished:
				if event.Err != nil {
					logger.Error("request failed", "request_id", event.Request.ID, "input", event.Request.Input, "err", event.Err)

					continue
				}

				logger.Info("request finished",
					"request_id", event.Request.ID,
					"file", event.Artifact.Filename,
					"attempts", event.Attempts,
				)
			}
		}
	}()

	return nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, orch *orchestrator.Orchestrator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewRequestsHandler(orch, cfg.API.Username, cfg.API.Password)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(handler, tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(
	ctx context.Context,
	artifacts *cache.Cache[*scheduler.Job],
	repo storage.ArtifactRepository,
	blobs *blobstore.Store,
	cfg *config.Config,
) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(cfg.CacheSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-ticker.C:
				if n := artifacts.Sweep(ctx); n > 0 {
					logger.Debug("swept expired artifacts", "count", n)
				}

				// rows left behind by earlier runs never enter the memory cache
				if cfg.CacheTTL <= 0 || repo == nil {
					continue
				}

				if _, err := cleanup.DeleteExpiredArtifacts(ctx, repo, blobs, cfg.CacheTTL); err != nil {
					logger.Error("failed to delete expired artifacts", "err", err)
				}
			}
		}
	}()
}
