package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"character-playground/backend/pkg/config"
	"character-playground/backend/pkg/di"
	"character-playground/backend/pkg/logger"
	"character-playground/backend/pkg/observability"
	"character-playground/backend/pkg/router"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		stdlog.Println("No .env file found")
	}

	cfg := config.New()

	log := logger.New(logger.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.Format != "text",
	})
	logger.SetGlobal(log)

	log.Info("Starting application", "env", cfg.Server.Env)

	if cfg.Upstream.APIKey == "" {
		log.Warn("PAWANKRD_API_KEY is not set; upstream requests will be unauthenticated")
	}

	container, err := di.New(cfg)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	if cfg.Metrics.Tracing {
		shutdownTracing, err := observability.SetupTracing("character-playground")
		if err != nil {
			log.LogError(err, "Failed to set up tracing")
		} else {
			defer shutdownTracing(context.Background())
		}
	}

	// Initialize and setup router
	r := router.New(container)
	r.SetupRoutes()

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r.Engine,
	}

	// Start the server in a goroutine
	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError(err, "Server failed to start")
			os.Exit(1)
		}
	}()

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}

	log.Info("Server exited gracefully")
}
