package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Batch        BatchConfig        `mapstructure:"batch"`
	Chain        ChainConfig        `mapstructure:"chain"`
	Notification NotificationConfig `mapstructure:"notification"`
	Storage      StorageConfig      `mapstructure:"storage"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	FileOnly   bool   `mapstructure:"file_only"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// BatchConfig tunes the batch operation engine.
type BatchConfig struct {
	MaxConcurrentOperations int           `mapstructure:"max_concurrent_operations"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	DefaultBatchSize        int           `mapstructure:"default_batch_size"`
	MaxBatchSize            int           `mapstructure:"max_batch_size"`
	ItemTimeout             time.Duration `mapstructure:"item_timeout"`
	OperationTimeout        time.Duration `mapstructure:"operation_timeout"`
	WorkerPoolSize          int           `mapstructure:"worker_pool_size"`
	RetryInterval           time.Duration `mapstructure:"retry_interval"`
	EstimatePerItem         time.Duration `mapstructure:"estimate_per_item"`
	SkipRehydrate           bool          `mapstructure:"skip_rehydrate"`
}

// ChainConfig points at the voucher gateway that fronts the blockchain.
type ChainConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotificationConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StorageConfig configures the S3-compatible bucket used to archive operation results.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets come from the environment
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("chain.api_key", "CHAIN_API_KEY")
	v.BindEnv("chain.base_url", "CHAIN_BASE_URL")
	v.BindEnv("notification.api_key", "NOTIFY_API_KEY")
	v.BindEnv("notification.webhook_url", "NOTIFY_WEBHOOK_URL")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Batch.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/voucherd.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("batch.max_concurrent_operations", 3)
	v.SetDefault("batch.poll_interval", time.Second)
	v.SetDefault("batch.default_batch_size", 50)
	v.SetDefault("batch.max_batch_size", 100)
	v.SetDefault("batch.item_timeout", 30*time.Second)
	v.SetDefault("batch.operation_timeout", 0)
	v.SetDefault("batch.worker_pool_size", 0)
	v.SetDefault("batch.retry_interval", 30*time.Second)
	v.SetDefault("batch.estimate_per_item", 100*time.Millisecond)
	v.SetDefault("batch.skip_rehydrate", false)

	v.SetDefault("chain.base_url", "http://localhost:9090")
	v.SetDefault("chain.timeout", 30*time.Second)
	v.SetDefault("notification.base_url", "http://localhost:9091")
	v.SetDefault("notification.timeout", 10*time.Second)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.bucket", "voucherd-operations")
}

// Validate rejects settings the engine cannot run with.
func (c *BatchConfig) Validate() error {
	if c.MaxConcurrentOperations <= 0 {
		return fmt.Errorf("batch: max_concurrent_operations must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("batch: poll_interval must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("batch: max_batch_size must be positive")
	}
	if c.DefaultBatchSize <= 0 || c.DefaultBatchSize > c.MaxBatchSize {
		return fmt.Errorf("batch: default_batch_size must be in [1, %d]", c.MaxBatchSize)
	}
	return nil
}
