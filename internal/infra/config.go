package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	TaskQueueKey  string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageUseSSL    bool

	AIBaseURL     string
	AIAPIKey      string
	AIModel       string
	AICallTimeout time.Duration
	AIPollCeiling time.Duration

	SweepInterval  time.Duration
	SweepBatchSize int
	LaunchTimeout  time.Duration
	WorkerDeadline time.Duration

	MaxActiveTasks  int
	MaxInputImages  int
	CreditsPerImage int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisUsername: os.Getenv("REDIS_USERNAME"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		TaskQueueKey:  getEnv("TASK_QUEUE_KEY", "tasks:queue"),

		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", "localhost:9000"),
		StorageAccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
		StorageSecretKey: os.Getenv("STORAGE_SECRET_KEY"),
		StorageBucket:    getEnv("STORAGE_BUCKET", "studio-images"),
		StorageUseSSL:    getEnvBool("STORAGE_USE_SSL", false),

		AIBaseURL:     getEnv("AI_BASE_URL", "https://api.studio-ai.example.com/v1"),
		AIAPIKey:      os.Getenv("AI_API_KEY"),
		AIModel:       getEnv("AI_MODEL", "studio-xl"),
		AICallTimeout: time.Second * time.Duration(getEnvInt("AI_CALL_TIMEOUT_SECONDS", 300)),
		AIPollCeiling: time.Second * time.Duration(getEnvInt("AI_POLL_CEILING_SECONDS", 600)),

		SweepInterval:  time.Second * time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 30)),
		SweepBatchSize: getEnvInt("SWEEP_BATCH_SIZE", 10),
		LaunchTimeout:  time.Second * time.Duration(getEnvInt("LAUNCH_TIMEOUT_SECONDS", 10)),
		WorkerDeadline: time.Second * time.Duration(getEnvInt("WORKER_DEADLINE_SECONDS", 55)),

		MaxActiveTasks:  getEnvInt("MAX_ACTIVE_TASKS", 3),
		MaxInputImages:  getEnvInt("MAX_INPUT_IMAGES", 9),
		CreditsPerImage: getEnvInt("CREDITS_PER_IMAGE", 10),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
