package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	IdentityMode    string        // Identity provider mode (dev, http) (default: dev)
	IdentityBaseURL string        // Base URL for the http identity provider
	BackendBaseURL  string        // Base URL for the clinic backend
	DatabaseFile    string        // Path to SQLite profile database (default: ./intake.db)
	ProfileKeyFile  string        // Path to the profile encryption key file (default: ./profile.key)
	TotalSteps      int           // Number of onboarding steps (default: 10)
	RefreshMargin   time.Duration // How long before expiry tokens refresh (default: 5m)
	MinRefreshDelay time.Duration // Floor for the refresh timer (default: 1m)
	BackupInterval  time.Duration // Periodic onboarding backup interval (default: 30s)

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

func LoadConfig() Config {
	return Config{
		IdentityMode:    getEnvOrDefault("INTAKE_IDENTITY_MODE", "dev"),
		IdentityBaseURL: os.Getenv("INTAKE_IDENTITY_URL"),
		BackendBaseURL:  getEnvOrDefault("INTAKE_BACKEND_URL", "http://localhost:8080"),
		DatabaseFile:    getEnvOrDefault("INTAKE_DATABASE_FILE", "intake.db"),
		ProfileKeyFile:  getEnvOrDefault("INTAKE_PROFILE_KEY_FILE", "profile.key"),
		TotalSteps:      getEnvIntOrDefault("INTAKE_TOTAL_STEPS", 10),
		RefreshMargin:   getEnvDurationOrDefault("INTAKE_REFRESH_MARGIN", 5*time.Minute),
		MinRefreshDelay: getEnvDurationOrDefault("INTAKE_MIN_REFRESH_DELAY", time.Minute),
		BackupInterval:  getEnvDurationOrDefault("INTAKE_BACKUP_INTERVAL", 30*time.Second),

		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
