// Package config loads environment-based settings, with a .env file for
// development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// silenceTimeoutOptions are the selectable auto-stop durations, in seconds.
var silenceTimeoutOptions = []int{3, 5, 7, 10}

// Config holds all configuration for the application.
type Config struct {
	Env string

	// Agent backend
	AgentBaseURL string
	AgentAppName string
	AgentUserID  string

	// Transcription service
	STTURL        string
	STTAPIKey     string
	STTModel      string
	STTLanguage   string
	STTSampleRate int

	// Seconds of silence before a voice capture auto-stops.
	SilenceTimeout time.Duration

	// Persistence. Backend is picked from whichever URL is set: Postgres,
	// then Redis, then SQLite.
	DatabaseURL string
	RedisURL    string
	SQLitePath  string

	ExportDir string

	// Diagnostics listener (health + metrics); empty disables it.
	MetricsAddr string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Env:           getEnv("ENV", "development"),
		AgentBaseURL:  getEnv("AGENT_BASE_URL", "http://localhost:8000"),
		AgentAppName:  getEnv("AGENT_APP_NAME", "soap_agents"),
		AgentUserID:   getEnv("AGENT_USER_ID", "user"),
		STTURL:        getEnv("STT_URL", "wss://api.deepgram.com/v1/listen"),
		STTAPIKey:     os.Getenv("STT_API_KEY"),
		STTModel:      getEnv("STT_MODEL", "nova-2"),
		STTLanguage:   getEnv("STT_LANGUAGE", "en-US"),
		STTSampleRate: getEnvInt("STT_SAMPLE_RATE", 16000),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		SQLitePath:    getEnv("SQLITE_PATH", "./data/motion.db"),
		ExportDir:     getEnv("EXPORT_DIR", "./exports"),
		MetricsAddr:   getEnv("METRICS_ADDR", "127.0.0.1:9090"),
	}

	secs := getEnvInt("SILENCE_TIMEOUT", 5)
	if !validSilenceTimeout(secs) {
		return nil, fmt.Errorf("SILENCE_TIMEOUT must be one of %v seconds, got %d", silenceTimeoutOptions, secs)
	}
	cfg.SilenceTimeout = time.Duration(secs) * time.Second

	if cfg.Env == "production" && cfg.STTAPIKey == "" {
		return nil, fmt.Errorf("STT_API_KEY is required in production")
	}

	return cfg, nil
}

func validSilenceTimeout(secs int) bool {
	for _, opt := range silenceTimeoutOptions {
		if secs == opt {
			return true
		}
	}
	return false
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
