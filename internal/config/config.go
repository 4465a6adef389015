package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port          string
	ServerVersion string
	EngineURL     string
	GatewaySecret string
	RedisURL      string // optional: shared idempotency state across instances

	AllowedOrigins []string

	// Event delivery tuning
	AckTimeout       time.Duration
	AckMaxRetries    int
	AckBackoff       []time.Duration
	QueueLaneLimit   int
	CommandTimeout   time.Duration
	IdempotencyTTL   time.Duration
	QueueSweepPeriod time.Duration

	// WebSocket heartbeat
	WsHeartbeatInterval time.Duration
	WsHeartbeatTimeout  time.Duration

	// Engine client rate limiting
	EngineRPS   float64
	EngineBurst int
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	var origins []string
	if raw := getEnv("ALLOWED_ORIGINS", ""); raw != "" {
		origins = strings.Split(raw, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	return &Config{
		Port:          getEnv("PORT", "3002"),
		ServerVersion: getEnv("SERVER_VERSION", "dev"),
		EngineURL:     getEnv("ENGINE_URL", "http://localhost:3210"),
		GatewaySecret: getEnv("GATEWAY_SECRET", ""),
		RedisURL:      getEnv("REDIS_URL", ""),

		AllowedOrigins: origins,

		AckTimeout:    getDurationMsEnv("ACK_TIMEOUT_MS", 10_000),
		AckMaxRetries: getIntEnv("ACK_MAX_RETRIES", 3),
		AckBackoff: []time.Duration{
			getDurationMsEnv("ACK_BACKOFF_1_MS", 5_000),
			getDurationMsEnv("ACK_BACKOFF_2_MS", 10_000),
			getDurationMsEnv("ACK_BACKOFF_3_MS", 20_000),
		},
		QueueLaneLimit:   getIntEnv("QUEUE_LANE_LIMIT", 100),
		CommandTimeout:   getDurationMsEnv("COMMAND_TIMEOUT_MS", 30_000),
		IdempotencyTTL:   getDurationMsEnv("IDEMPOTENCY_TTL_MS", 3_600_000),
		QueueSweepPeriod: getDurationMsEnv("QUEUE_SWEEP_PERIOD_MS", 300_000),

		WsHeartbeatInterval: getDurationMsEnv("WS_HEARTBEAT_INTERVAL_MS", 15_000),
		WsHeartbeatTimeout:  getDurationMsEnv("WS_HEARTBEAT_TIMEOUT_MS", 45_000),

		EngineRPS:   getFloatEnv("ENGINE_RPS", 50),
		EngineBurst: getIntEnv("ENGINE_BURST", 100),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationMsEnv(key string, defaultMs int64) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return time.Duration(defaultMs) * time.Millisecond
}
