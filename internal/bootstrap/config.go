package bootstrap

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	GoogleAPIKey   string
	UseVertexAI    bool
	GoogleProject  string
	GoogleLocation string
	Endpoint       string

	Model              string
	Voice              string
	Instructions       string
	SessionMaxDuration time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AudioOutputPath string
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		GoogleAPIKey:   getEnv("GOOGLE_API_KEY", ""),
		UseVertexAI:    getEnv("GEMINI_USE_VERTEX", "false") == "true",
		GoogleProject:  getEnv("GOOGLE_CLOUD_PROJECT", ""),
		GoogleLocation: getEnv("GOOGLE_CLOUD_LOCATION", "us-central1"),
		Endpoint:       getEnv("GEMINI_ENDPOINT", ""),

		Model:              getEnv("GEMINI_MODEL", ""),
		Voice:              getEnv("GEMINI_VOICE", ""),
		Instructions:       getEnv("GEMINI_INSTRUCTIONS", ""),
		SessionMaxDuration: getEnvDuration("SESSION_MAX_DURATION", 0),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AudioOutputPath: getEnv("AUDIO_OUTPUT_PATH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
