package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telemetry-gateway/config"
	"telemetry-gateway/internal/api"
	"telemetry-gateway/internal/credentials"
	"telemetry-gateway/internal/directory"
	"telemetry-gateway/internal/httpclient"
	"telemetry-gateway/internal/logging"
	"telemetry-gateway/internal/scheduler"
	"telemetry-gateway/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 10 * time.Second
	startupTimeout  = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to YAML configuration file (default: environment variables)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flag.Parse()

	// Load the .env file if it exists; real environment variables win
	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", *envFile, err)
		}
	}

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(logging.LoggerConfig{
		Format: cfg.Logging.Format,
		Level:  logging.ParseLevel(cfg.Logging.Level),
	})
	slog.SetDefault(logger)

	logConfig(logger, cfg)

	httpClient, err := httpclient.New(httpclient.Options{})
	if err != nil {
		return fmt.Errorf("failed to create http client: %w", err)
	}

	// Credential lifecycle
	manager := credentials.NewManager(credentials.Config{
		BaseURL:  cfg.Upstream.BaseURL,
		Username: cfg.Upstream.Username,
		Password: cfg.Upstream.Password,
		Timeout:  cfg.Upstream.AuthTimeout,
	}, httpClient, logger)
	defer manager.Close()

	// Log in eagerly so the first dashboard request does not pay for it.
	// A failure here is not fatal: the first query retries the login.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), startupTimeout)
	if _, err := manager.Authenticate(startupCtx); err != nil {
		logger.Warn("Initial login failed, will retry on first request", "error", err)
	}
	startupCancel()

	executor := telemetry.NewExecutor(telemetry.Config{
		BaseURL:      cfg.Upstream.BaseURL,
		Timeout:      cfg.Upstream.DataTimeout,
		RetryBackoff: cfg.Upstream.RetryBackoff,
	}, manager, httpClient, logger)

	devices := directory.NewCache(
		directory.NewClient(directory.Config{
			BaseURL: cfg.Directory.BaseURL,
			Timeout: cfg.Upstream.DataTimeout,
		}, httpClient),
		cfg.Directory.CacheTTL,
		logger,
	)

	// Keep the device list warm
	var sched *scheduler.Scheduler
	if cfg.Directory.WarmInterval > 0 {
		sched = scheduler.NewScheduler(devices, cfg.Directory.WarmInterval, logger)
		go sched.Start()
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.RouterConfig{
		Devices:       devices,
		TimeSeries:    logging.NewTimeSeriesLogger(executor, logger),
		Credentials:   manager,
		AdminKey:      cfg.Server.AdminKey,
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Must outlast a fully retried upstream query
		WriteTimeout: cfg.Upstream.DataTimeout*4 + 4*cfg.Upstream.RetryBackoff + 3*cfg.Upstream.AuthTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if sched != nil {
			sched.Stop()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Starting graceful shutdown", "signal", sig.String())

		// Shutdown HTTP server first so in-flight queries finish with a valid token
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		if sched != nil {
			logger.Info("Stopping scheduler")
			sched.Stop()
		}

		// manager.Close runs via defer and cancels the renewal timer
		logger.Info("Graceful shutdown complete")
	}

	return nil
}

// logConfig records the effective settings. Principal secrets and the admin key are never logged.
func logConfig(logger *slog.Logger, cfg *config.Config) {
	logger.Info("Configuration loaded",
		"upstream", cfg.Upstream.BaseURL,
		"directory", cfg.Directory.BaseURL,
		"auth_timeout", cfg.Upstream.AuthTimeout.String(),
		"data_timeout", cfg.Upstream.DataTimeout.String(),
		"cache_ttl", cfg.Directory.CacheTTL.String(),
		"admin_routes", cfg.Server.AdminKey != "",
	)
}
