package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds application configuration from environment.
type Config struct {
	HTTPPort      string
	DatabaseURL   string
	DBPoolSize    int
	RedisURL      string
	RedisPoolSize int

	KafkaBrokers         []string
	BusConcurrency       int
	BusPublishMaxRetries int

	TaskStoreURL     string
	TaskStoreTimeout time.Duration

	SchedulerInterval time.Duration
	SchedulerBatch    int

	DispatcherMaxAttempts int
	DispatcherBackoffBase time.Duration
	DispatcherBackoffCap  time.Duration

	IdempotencyTTL   time.Duration
	SyncReplayWindow time.Duration
	SyncShards       int

	JWTSecret string
}

var (
	cfg     *Config
	cfgOnce sync.Once
)

// Get returns the application config (loads once from env).
func Get() *Config {
	cfgOnce.Do(func() {
		cfg = &Config{
			HTTPPort:      getEnv("HTTP_PORT", "8080"),
			DatabaseURL:   os.Getenv("DATABASE_URL"),
			DBPoolSize:    getIntEnv("DB_POOL_SIZE", 50),
			RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 100),

			KafkaBrokers:         getSliceEnv("KAFKA_BROKERS", "localhost:9092"),
			BusConcurrency:       getIntEnv("BUS_CONCURRENCY", 4),
			BusPublishMaxRetries: getIntEnv("BUS_PUBLISH_MAX_RETRIES", 3),

			TaskStoreURL:     getEnv("TASKSTORE_URL", "http://localhost:8090"),
			TaskStoreTimeout: getDurationEnv("TASKSTORE_TIMEOUT", 5*time.Second),

			SchedulerInterval: getDurationEnv("SCHEDULER_INTERVAL", time.Minute),
			SchedulerBatch:    getIntEnv("SCHEDULER_BATCH", 100),

			DispatcherMaxAttempts: getIntEnv("DISPATCHER_MAX_ATTEMPTS", 5),
			DispatcherBackoffBase: getDurationEnv("DISPATCHER_BACKOFF_BASE", time.Second),
			DispatcherBackoffCap:  getDurationEnv("DISPATCHER_BACKOFF_CAP", 30*time.Second),

			IdempotencyTTL:   getDurationEnv("IDEMPOTENCY_TTL", 720*time.Hour),
			SyncReplayWindow: getDurationEnv("SYNC_REPLAY_WINDOW", time.Hour),
			SyncShards:       getIntEnv("SYNC_SHARDS", 32),

			JWTSecret: os.Getenv("JWT_SECRET"),
		}
	})
	return cfg
}

// GetJWTSecret returns the JWT secret from config (for middleware that only has context).
func GetJWTSecret(ctx context.Context) string {
	return Get().JWTSecret
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

func getSliceEnv(key, defaultVal string) []string {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{defaultVal}
}
