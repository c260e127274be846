package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/oarkflow/ip"
	"github.com/oarkflow/log"
	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/shield"
)

func main() {
	configDir := flag.String("config", envOr("SHIELD_CONFIG_DIR", "configs"), "policy directory")
	port := flag.String("port", envOr("PORT", "3000"), "listen port")
	auditPath := flag.String("audit", envOr("SHIELD_AUDIT_DB", "shield-audit.db"), "sqlite audit database path")
	redisAddr := flag.String("redis", os.Getenv("SHIELD_REDIS_ADDR"), "redis address for shared counters (optional)")
	flag.Parse()

	ip.Init()
	logger := log.DefaultLogger

	var store shield.CounterStore
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		store = shield.NewRedisCounterStore(client, "shield")
		logger.Info().Str("addr", *redisAddr).Msg("using redis counter store")
	}

	var audit shield.AuditStore
	if *auditPath != "" {
		sqliteStore, err := shield.NewSQLiteAuditStore(*auditPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *auditPath).Msg("failed to open audit store")
		}
		audit = sqliteStore
	}

	guard := shield.New(shield.Options{
		ConfigDir: *configDir,
		Store:     store,
		Audit:     audit,
		Logger:    &logger,
	})
	guard.Start()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(cors.New())
	app.Get("/health", guard.HealthHandler())
	app.Use(guard.Middleware())
	guard.RegisterAdminRoutes(app, "/shield")

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "protected"})
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info().Msg("shutting down gracefully")
		if err := app.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("server shutdown error")
		}
		guard.Stop()
	}()

	logger.Info().Str("port", *port).Str("config", *configDir).Msg("shield listening")
	if err := app.Listen(":" + *port); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
