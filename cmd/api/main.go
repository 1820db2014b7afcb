package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/voucherd/internal/api"
	"github.com/timmy/voucherd/internal/app"
	"github.com/timmy/voucherd/internal/config"
	"github.com/timmy/voucherd/internal/logger"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := app.NewLogger(&cfg.Log, "voucherd")
	defer logger.Sync()

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}

	// Interrupted operations from a previous run are re-queued here.
	if err := a.Engine.Start(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to start batch engine")
	}

	sqlDB, err := a.DB.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to get database handle")
	}

	router := api.SetupRouter(&cfg.Server, api.RouterDeps{
		Engine:   a.Engine,
		DB:       sqlDB,
		Gatherer: a.Registry,
		Logger:   appLogger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// Running operations finish their current chunk and are persisted as queued.
	if err := a.Close(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Batch engine did not stop cleanly")
	}

	appLogger.Info("Server exited")
}
