// Package config provides application configuration loaded from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	App      AppConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	IdleTimeout  int // seconds
}

// Timeouts returns the server timeouts as durations.
func (s ServerConfig) Timeouts() (read, write, idle time.Duration) {
	return time.Duration(s.ReadTimeout) * time.Second,
		time.Duration(s.WriteTimeout) * time.Second,
		time.Duration(s.IdleTimeout) * time.Second
}

// DatabaseConfig holds connection settings. RawDSN wins over the discrete
// fields when set; Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver   string
	RawDSN   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Debug    bool
}

// DSN returns the connection string. For postgres without DATABASE_DSN it is
// built in key=value format.
func (d DatabaseConfig) DSN() string {
	if d.RawDSN != "" {
		return d.RawDSN
	}
	if d.Driver == DriverSQLite {
		return "jobshop.db"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// AppConfig holds application-level settings.
type AppConfig struct {
	Dev        bool
	Migrations bool
	Seed       bool
	// StorageDir is the root of the attachment file store.
	StorageDir string
	// CatalogFile is the YAML department/addon catalog used by the seed.
	CatalogFile string
	// UnassignedSelectionPolicy decides where quote addon selections without
	// a part land on conversion: "first_part" or "skip".
	UnassignedSelectionPolicy string
	SessionSecret             string
	// TrustActorHeader accepts X-Actor from an authenticating proxy.
	TrustActorHeader bool
}

// Load reads configuration from environment variables.
// It uses sensible defaults for local development.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
			RawDSN:   strings.TrimSpace(os.Getenv("DATABASE_DSN")),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "jobshop"),
			Password: getEnv("DB_PASSWORD", "jobshop"),
			DBName:   getEnv("DB_NAME", "jobshop"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Debug:    getEnvBool("DB_DEBUG", false),
		},
		App: AppConfig{
			Dev:                       getEnvBool("DEV", true),
			Migrations:                getEnvBool("MIGRATIONS", false),
			Seed:                      getEnvBool("DB_SEED", false),
			StorageDir:                getEnv("STORAGE_DIR", "data/files"),
			CatalogFile:               getEnv("CATALOG_FILE", "config/catalog.yaml"),
			UnassignedSelectionPolicy: getEnv("UNASSIGNED_SELECTION_POLICY", "first_part"),
			SessionSecret:             getEnv("SESSION_SECRET", "devsessionsecret"),
			TrustActorHeader:          getEnvBool("TRUST_ACTOR_HEADER", false),
		},
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if !c.App.Dev && c.App.SessionSecret == "devsessionsecret" {
		return fmt.Errorf("SESSION_SECRET must be set outside dev mode")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default.
// Accepts "1", "true", "yes" as true; everything else is false.
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value == "1" || value == "true" || value == "yes"
}
