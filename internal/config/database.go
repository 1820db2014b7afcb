package config

import (
	"fmt"
	"strings"
	"time"
)

// DatabaseConfig selects the driver and connection settings for the operation store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres, mysql
	Path   string `mapstructure:"path"`   // sqlite file path

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"ssl_mode"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	switch strings.ToLower(c.Driver) {
	case "postgres":
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
	case "mysql":
		port := c.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, port, c.DBName)
	default:
		if c.Path == "" {
			return "file::memory:?cache=shared"
		}
		return c.Path
	}
}
