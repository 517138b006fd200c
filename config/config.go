package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Partners PartnerConfig
	Team     TeamConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds Redis connection settings for the campaign cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing settings for the HTTP surface.
type JWTConfig struct {
	Secret string
}

// PartnerConfig holds base URLs of the external collaborator services.
type PartnerConfig struct {
	IdentityBaseURL string
	BalanceBaseURL  string
	OrderBaseURL    string
	CatalogBaseURL  string
}

// TeamConfig holds tunables for team formation.
type TeamConfig struct {
	// TTL is how long a forming team may wait for its cohort to fill.
	TTL time.Duration
	// SweepInterval is how often the expiry sweeper scans for due teams.
	SweepInterval time.Duration
	// SideEffectInterval is how often the delivery worker drains pending records.
	SideEffectInterval time.Duration
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  time.Duration(getEnvInt("READ_TIMEOUT_SEC", 30)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("WRITE_TIMEOUT_SEC", 30)) * time.Second,
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", "postgres://localhost:5432/groupbuy?sslmode=disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		Partners: PartnerConfig{
			IdentityBaseURL: getEnv("IDENTITY_BASE_URL", "http://localhost:8081"),
			BalanceBaseURL:  getEnv("BALANCE_BASE_URL", "http://localhost:8082"),
			OrderBaseURL:    getEnv("ORDER_BASE_URL", "http://localhost:8083"),
			CatalogBaseURL:  getEnv("CATALOG_BASE_URL", "http://localhost:8084"),
		},
		Team: TeamConfig{
			TTL:                time.Duration(getEnvInt("TEAM_TTL_HOURS", 24)) * time.Hour,
			SweepInterval:      time.Duration(getEnvInt("SWEEP_INTERVAL_SEC", 60)) * time.Second,
			SideEffectInterval: time.Duration(getEnvInt("SIDE_EFFECT_INTERVAL_SEC", 30)) * time.Second,
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
