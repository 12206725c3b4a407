package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"stayuptodo-laundry/config"
	"stayuptodo-laundry/internal/api"
	"stayuptodo-laundry/internal/chat"
	"stayuptodo-laundry/internal/db"
	"stayuptodo-laundry/internal/extract"
	"stayuptodo-laundry/internal/filter"
	"stayuptodo-laundry/internal/gate"
	"stayuptodo-laundry/internal/logging"
	"stayuptodo-laundry/internal/metrics"
	"stayuptodo-laundry/internal/monitor"
	"stayuptodo-laundry/internal/notification"
	"stayuptodo-laundry/internal/registry"
	"stayuptodo-laundry/internal/store"
)

func main() {
	config.LoadEnvFiles(".env.local", ".env")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "path", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("laundryd stopped with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	layout, err := cfg.Registry.ResolveLayout()
	if err != nil {
		return err
	}

	// Durable storage is optional; without it everything lives in memory.
	var appStore store.Store
	if cfg.Database.Enabled {
		gormDB, err := db.Init(&cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		if sqlDB, err := gormDB.DB(); err == nil {
			defer sqlDB.Close()
		}
		appStore = store.NewGormStore(gormDB)
	} else {
		logger.Warn("database disabled; machine state and the chat checkpoint are kept in memory only")
	}

	regOpts := registry.Options{
		RecordUnchanged: cfg.Registry.RecordUnchangedStatus,
		Logger:          logger.With("component", "registry"),
	}
	if appStore != nil {
		regOpts.Persister = appStore
	}
	machines := registry.New(regOpts)

	if appStore != nil {
		loaded, err := appStore.LoadMachines(ctx)
		if err != nil {
			return fmt.Errorf("failed to load machines: %w", err)
		}
		if err := machines.Load(loaded); err != nil {
			return err
		}
		logger.Info("machines restored from database", "count", len(loaded))
	}
	if cfg.Registry.InitializeOnStart {
		if _, err := machines.Initialize(ctx, layout); err != nil {
			return fmt.Errorf("failed to initialize layout %q: %w", layout.Name, err)
		}
	}

	machines.Subscribe(metrics.ObserveRegistry())
	go metrics.NewMachineCollector(machines, 15*time.Second).Run(ctx)

	// Push notifications need VAPID keys and somewhere to keep subscriptions.
	var webpushOptions *webpush.Options
	var subscriptions api.SubscriptionStore
	if appStore != nil {
		subscriptions = appStore
	}
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" && appStore != nil {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, webpushOptions, logger)
		pool.Start(ctx)
		machines.Subscribe(pool.Observe)
		logger.Info("push notifications enabled", "workers", cfg.WorkerPool.Size)
	} else {
		logger.Warn("push notifications disabled; VAPID keys or database missing")
	}

	if cfg.Monitor.Enabled {
		svc := newMonitor(cfg, machines, appStore, logger)
		go svc.Run(ctx)
	}

	// Initialize router
	handler := api.NewHandler(machines, subscriptions, webpushOptions, layout)
	router := api.NewRouter(handler, machines, api.RouterConfig{
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		RequestIPHeader: cfg.Server.RequestIPHeader,
		CacheTTL:        time.Duration(cfg.Server.CacheTTLSeconds) * time.Second,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, logger.With("component", "http"))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server ListenAndServe: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping services")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server Shutdown: %w", err)
	}

	logger.Info("server gracefully stopped")
	return nil
}

// newMonitor wires the chat pipeline: Telegram source, relevance filter,
// OpenAI extraction and the confidence gate.
func newMonitor(cfg *config.Config, machines *registry.Registry, appStore store.Store, logger *slog.Logger) *monitor.Service {
	source := chat.NewTelegramSource(chat.TelegramConfig{
		Token:       cfg.Telegram.BotToken,
		ChatID:      cfg.Telegram.ChatID,
		TopicID:     cfg.Telegram.TopicID,
		Limit:       cfg.Telegram.Limit,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		Timeout:     time.Duration(cfg.Telegram.TimeoutSeconds) * time.Second,
	}, logger)

	interpreter := extract.NewOpenAIInterpreter(extract.OpenAIConfig{
		APIKey:      cfg.Extraction.APIKey,
		BaseURL:     cfg.Extraction.BaseURL,
		Model:       cfg.Extraction.Model,
		Temperature: cfg.Extraction.Temperature,
		MaxTokens:   cfg.Extraction.MaxTokens,
	})
	adapter := extract.NewAdapter(interpreter, time.Duration(cfg.Extraction.TimeoutSeconds)*time.Second, logger)

	applier := gate.New(machines, gate.Config{
		Threshold:     cfg.Monitor.ConfidenceThreshold,
		AutomatedUser: cfg.Monitor.AutomatedUser,
		MessageLimit:  cfg.Monitor.MessageLimit,
	}, logger)

	var checkpoints monitor.CheckpointStore
	if appStore != nil {
		checkpoints = appStore
	}

	return monitor.NewService(monitor.Config{
		Enabled:        cfg.Monitor.Enabled,
		Interval:       cfg.Monitor.Interval,
		RequestTimeout: time.Duration(cfg.Monitor.RequestTimeoutSeconds) * time.Second,
		CheckpointName: cfg.Monitor.CheckpointName,
	}, source, filter.New(filter.WithShorthand(cfg.Monitor.FilterShorthand)), adapter, applier, checkpoints, logger)
}
