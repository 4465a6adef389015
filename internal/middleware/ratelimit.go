package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP)
	GlobalAPIMax        int
	GlobalAPIExpiration time.Duration

	// Event ingress limits (per IP) - the engine is the only legit caller
	EventIngressMax        int
	EventIngressExpiration time.Duration

	// WebSocket/Connection limits (per IP)
	WebSocketMax        int
	WebSocketExpiration time.Duration

	// Engine proxy limits (per IP) - can be abused for engine bandwidth
	ProxyMax        int
	ProxyExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// Global: 300/min = 5 req/sec - generous for normal use
		GlobalAPIMax:        300,
		GlobalAPIExpiration: 1 * time.Minute,

		// Event ingress: the engine batches pushes; 600/min covers a busy
		// world without letting a leaked secret flood the queues
		EventIngressMax:        600,
		EventIngressExpiration: 1 * time.Minute,

		// WebSocket: 20 connection attempts/min in production
		WebSocketMax:        20,
		WebSocketExpiration: 1 * time.Minute,

		// Proxy: 120/min (engine bandwidth protection)
		ProxyMax:        120,
		ProxyExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	if v := os.Getenv("RATE_LIMIT_GLOBAL_API"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.GlobalAPIMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_EVENT_INGRESS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.EventIngressMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_WEBSOCKET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WebSocketMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_PROXY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.ProxyMax = n
		}
	}

	// Development mode: more lenient limits
	if os.Getenv("ENVIRONMENT") == "development" {
		config.GlobalAPIMax = 1000
		config.EventIngressMax = 5000
		config.WebSocketMax = 100
		config.ProxyMax = 500
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}

	return config
}

// GlobalAPIRateLimiter creates a rate limiter for all API requests
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.GlobalAPIMax,
		Expiration: config.GlobalAPIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Global limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please slow down.",
				"retry_after": int(config.GlobalAPIExpiration.Seconds()),
			})
		},
		SkipFailedRequests:     false,
		SkipSuccessfulRequests: false,
	})
}

// EventIngressRateLimiter protects the event push endpoint
func EventIngressRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.EventIngressMax,
		Expiration: config.EventIngressExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ingress:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Event ingress limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"received":    false,
				"error":       "Too many events.",
				"retry_after": int(config.EventIngressExpiration.Seconds()),
			})
		},
	})
}

// WebSocketRateLimiter limits connection attempts per IP
func WebSocketRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.WebSocketMax,
		Expiration: config.WebSocketExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ws:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] WebSocket connection limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many connection attempts. Please wait.",
				"retry_after": int(config.WebSocketExpiration.Seconds()),
			})
		},
	})
}

// ProxyRateLimiter limits engine passthrough traffic per IP
func ProxyRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ProxyMax,
		Expiration: config.ProxyExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "proxy:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Proxy limit reached for IP: %s on %s", c.IP(), c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests to this endpoint.",
				"retry_after": int(config.ProxyExpiration.Seconds()),
			})
		},
	})
}
