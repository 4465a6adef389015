package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"towngate/internal/config"
	"towngate/internal/handlers"
	"towngate/internal/jobs"
	"towngate/internal/logging"
	"towngate/internal/middleware"
	"towngate/internal/models"
	"towngate/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Towngate Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Engine: %s)", cfg.Port, cfg.EngineURL)

	if cfg.GatewaySecret == "" {
		environment := os.Getenv("ENVIRONMENT")
		if environment == "production" {
			log.Fatal("❌ CRITICAL SECURITY ERROR: GATEWAY_SECRET is required in production. Generate with: openssl rand -hex 32")
		}
		log.Println("⚠️  GATEWAY_SECRET not set - /gateway/event will reject all pushes (development mode)")
	}

	// Initialize core services
	connManager := services.NewConnectionManager()
	metrics := services.InitMetrics(connManager)
	log.Println("✅ Prometheus metrics initialized")

	engine := services.NewEngineClient(cfg.EngineURL, cfg.EngineRPS, cfg.EngineBurst)
	queues := services.NewQueueRegistry(cfg.QueueLaneLimit)

	// Event frames go out on the negotiated protocol version of each socket.
	sendEvent := func(conn *services.BotConnection, event models.WorldEvent) error {
		return conn.SendJSON(handlers.BuildEventMessage(event, conn.Session.NegotiatedVersion))
	}
	dispatcher := services.NewEventDispatcher(connManager, queues, sendEvent, metrics)
	dispatcher.SetPlans(
		services.RetryPlan{
			AckTimeout: cfg.AckTimeout,
			MaxRetries: cfg.AckMaxRetries,
			Backoff:    cfg.AckBackoff,
		},
		services.RetryPlan{
			AckTimeout: 2 * cfg.AckTimeout,
			MaxRetries: 1,
			Backoff:    cfg.AckBackoff,
		},
	)

	commandQ := services.NewCommandQueue(cfg.CommandTimeout, metrics)
	mapper := services.NewDefaultCommandMapper()
	router := services.NewCommandRouter(engine, mapper, commandQ, connManager, dispatcher, metrics)
	log.Println("✅ Event dispatcher and command router initialized")

	// Idempotency store: Redis when configured (shared across instances),
	// in-process cache otherwise.
	var idemStore services.IdempotencyStore
	if cfg.RedisURL != "" {
		log.Println("🔗 Connecting to Redis...")
		redisStore, err := services.NewRedisIdempotencyStore(cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (falling back to in-memory idempotency)", err)
		} else {
			defer redisStore.Close()
			idemStore = redisStore
			log.Println("✅ Redis idempotency store initialized")
		}
	}
	if idemStore == nil {
		idemStore = services.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
		log.Println("✅ In-memory idempotency store initialized")
	}

	// Initialize handlers
	botWSHandler := handlers.NewBotWebSocketHandler(cfg, engine, connManager, queues, dispatcher, commandQ, router, metrics)
	eventHandler := handlers.NewGatewayEventHandler(dispatcher, commandQ, idemStore, metrics)
	statusHandler := handlers.NewStatusHandler(connManager, cfg.ServerVersion)
	metricsHandler := handlers.NewMetricsHandler()
	proxyHandler := handlers.NewBotProxyHandler(engine)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:        "Towngate v1.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		BodyLimit:      4 * 1024 * 1024, // 4MB covers the largest event batches
		ReadBufferSize: 16384,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus HTTP middleware metrics
	prometheus := fiberprometheus.New("towngate")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Load rate limiting configuration
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Ingress=%d/min, WS=%d/min, Proxy=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.EventIngressMax,
		rateLimitConfig.WebSocketMax,
		rateLimitConfig.ProxyMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowedOrigins == "" {
		// Default to localhost for development
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	allowCredentials := allowedOrigins != "*"

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,x-gateway-secret,x-idempotency-key",
		AllowCredentials: allowCredentials,
	}))

	// Routes

	// Health check (public)
	app.Get("/health", statusHandler.Handle)

	// Gateway control plane
	gw := app.Group("/gateway")
	gw.Use(middleware.GlobalAPIRateLimiter(rateLimitConfig))
	gw.Get("/status", statusHandler.Handle)
	gw.Get("/metrics", metricsHandler.HandleText)
	gw.Get("/metrics/json", metricsHandler.HandleJSON)
	gw.Post("/event",
		middleware.EventIngressRateLimiter(rateLimitConfig),
		middleware.GatewayAuth(cfg.GatewaySecret),
		eventHandler.HandleEvent,
	)
	log.Println("✅ Gateway routes registered (/gateway/status, /gateway/metrics, /gateway/event)")

	// Bot-facing HTTP surface, relayed to the engine with the caller's token
	proxyLimiter := middleware.ProxyRateLimiter(rateLimitConfig)
	forward := proxyHandler.Forward()

	bot := app.Group("/api/bot", proxyLimiter)
	bot.Post("/description/update", proxyHandler.HandleDescriptionUpdate)
	bot.Get("/world/:worldId/semantic", proxyHandler.HandleSemanticSnapshot)
	bot.Post("/memory/search", forward)
	bot.Get("/memory/recent", forward)
	bot.Post("/memory/inject", forward)
	bot.Post("/social/affinity", forward)
	bot.Get("/social/state", forward)
	log.Println("✅ Bot proxy routes registered (/api/bot/*)")

	// Bot WebSocket endpoint
	app.Use("/ws/bot", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			c.Locals("client_ip", c.IP())
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Use("/ws/bot", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Get("/ws/bot", websocket.New(botWSHandler.Handle))

	// Initialize background jobs
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("queue_sweeper",
		jobs.NewQueueSweeperJob(queues, connManager, metrics, cfg.QueueSweepPeriod))
	if err := jobScheduler.Start(); err != nil {
		log.Printf("⚠️  Failed to start job scheduler: %v", err)
	} else {
		log.Println("✅ Background job scheduler started")
	}

	// Start server
	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("🔗 Bot WebSocket endpoint: ws://localhost:%s/ws/bot", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if jobScheduler != nil {
			jobScheduler.Stop()
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
