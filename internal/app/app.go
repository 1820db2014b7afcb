// Package app assembles the batch engine and its collaborators from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/timmy/voucherd/internal/batch"
	"github.com/timmy/voucherd/internal/config"
	"github.com/timmy/voucherd/internal/logger"
	"github.com/timmy/voucherd/internal/repository"
	"github.com/timmy/voucherd/internal/service"
	"github.com/timmy/voucherd/internal/storage"
	"gorm.io/gorm"
)

// App holds the long-lived components shared by the server and the CLI.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Engine   *batch.Engine
	Registry *prometheus.Registry
	Archive  *service.ArchiveService
	Logger   *logger.Logger
}

// NewLogger builds the process logger from the log section and makes it the default.
func NewLogger(cfg *config.LogConfig, serviceName string) *logger.Logger {
	l := logger.New(&logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		ServiceName: serviceName,
		File:        cfg.File,
		FileOnly:    cfg.FileOnly,
		MaxSizeMB:   cfg.MaxSizeMB,
		MaxBackups:  cfg.MaxBackups,
		MaxAgeDays:  cfg.MaxAgeDays,
		Compress:    cfg.Compress,
	})
	logger.SetDefaultLogger(l)
	return l
}

// EngineConfig converts the batch config section into engine settings.
func EngineConfig(cfg *config.BatchConfig) batch.Config {
	return batch.Config{
		MaxConcurrentOperations: cfg.MaxConcurrentOperations,
		PollInterval:            cfg.PollInterval,
		DefaultBatchSize:        cfg.DefaultBatchSize,
		MaxBatchSize:            cfg.MaxBatchSize,
		ItemTimeout:             cfg.ItemTimeout,
		OperationTimeout:        cfg.OperationTimeout,
		WorkerPoolSize:          cfg.WorkerPoolSize,
		RetryInterval:           cfg.RetryInterval,
		EstimatePerItem:         cfg.EstimatePerItem,
		SkipRehydrate:           cfg.SkipRehydrate,
	}
}

// Build opens the database, wires the item handlers and creates the engine.
// The engine is not started.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	notifications := service.NewNotificationService(&service.NotificationConfig{
		Gateway: service.GatewayConfig{
			BaseURL: cfg.Notification.BaseURL,
			APIKey:  cfg.Notification.APIKey,
			Timeout: cfg.Notification.Timeout,
		},
		WebhookURL: cfg.Notification.WebhookURL,
	})

	handlers := batch.NewRegistry(cfg.Batch.ItemTimeout)
	service.RegisterHandlers(handlers, service.Services{
		Vouchers: service.NewVoucherService(&service.GatewayConfig{
			BaseURL: cfg.Chain.BaseURL,
			APIKey:  cfg.Chain.APIKey,
			Timeout: cfg.Chain.Timeout,
		}),
		Merchants:     service.NewMerchantService(repository.NewMerchantRepository(db)),
		Notifications: notifications,
	})

	a := &App{
		Config:   cfg,
		DB:       db,
		Registry: reg,
		Logger:   log,
	}

	deps := batch.Deps{
		Store:      repository.NewOperationRepository(db),
		Handlers:   handlers,
		Notifier:   notifications,
		Logger:     log,
		Registerer: reg,
	}

	if cfg.Storage.Enabled {
		objects, err := storage.NewStorage(ctx, &cfg.Storage)
		if err != nil {
			a.closeDB()
			return nil, fmt.Errorf("failed to initialize result storage: %w", err)
		}
		a.Archive = service.NewArchiveService(objects)
		deps.Archiver = a.Archive
		log.WithField("bucket", cfg.Storage.Bucket).Info("Result archive enabled")
	}

	engine, err := batch.New(EngineConfig(&cfg.Batch), deps)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.Engine = engine

	log.WithField("handlers", handlers.Types()).Info("Batch engine ready")
	return a, nil
}

// Close stops the engine and closes the database.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.Engine != nil {
		if err := a.Engine.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop engine: %w", err))
		}
	}
	if err := a.closeDB(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close database: %w", err))
	}
	return result.ErrorOrNil()
}

func (a *App) closeDB() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
