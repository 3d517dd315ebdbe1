package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting. It is loaded once in main and passed
// down explicitly; nothing reads the environment after startup.
type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string

	// Daily request limits for the SM-I3 model tier. The attachment limit
	// applies as soon as any request that day carried an attachment.
	SMI3DailyLimit      int
	SMI3AttachmentLimit int
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:         getEnv("DATABASE_URL", "sam_assistant.db"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		SMI3DailyLimit:      getEnvAsInt("SM_I3_DAILY_LIMIT", 20),
		SMI3AttachmentLimit: getEnvAsInt("SM_I3_ATTACHMENT_LIMIT", 15),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.SMI3DailyLimit < 0 || cfg.SMI3AttachmentLimit < 0 {
		return nil, fmt.Errorf("SM-I3 limits must not be negative")
	}

	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
