package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/timmy/voucherd/internal/config"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// InitDB initializes the database connection based on configuration and runs migrations.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
// Returns:
//   - *gorm.DB: initialized database handle.
//   - error: non-nil if connection or migration fails.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	}

	log := logger.GetDefault().WithField(logger.FieldComponent, "database")

	var db *gorm.DB
	var err error

	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		log.Info("Using PostgreSQL driver")
		db, err = initPostgres(cfg, gormConfig)
	case "mysql":
		log.Info("Using MySQL driver")
		db, err = initMySQL(cfg, gormConfig)
	case "sqlite", "":
		log.Info("Using SQLite driver")
		db, err = initSQLite(cfg, gormConfig)
	default:
		log.Warnf("Unknown driver %q, defaulting to SQLite", cfg.Driver)
		db, err = initSQLite(cfg, gormConfig)
	}

	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
		log.Info("AutoMigrate completed")
	}

	return db, nil
}

// Migrate creates or updates the tables owned by this service.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.Operation{},
		&domain.Merchant{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// initPostgres initializes a PostgreSQL database connection
func initPostgres(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// Simple protocol keeps transaction poolers working
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

// initMySQL initializes a MySQL database connection
func initMySQL(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return db, nil
}

// initSQLite initializes a SQLite database connection
func initSQLite(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	if cfg.Path != "" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	return db, nil
}
