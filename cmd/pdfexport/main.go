package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"pdfexport/internal/auth"
	"pdfexport/internal/config"
	"pdfexport/internal/http/server"
	"pdfexport/internal/infra/logging"
)

func main() {
	cfg := config.Load()
	// Allow common container env var to override chrome_path.
	if cfg.PDF.ChromePath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.PDF.ChromePath = v
		}
	}
	logging.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)

	var rdb *redis.Client
	if cfg.Cache.RedisHost != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.PDFCacheDB,
		})
	}

	idleConnsClosed := make(chan struct{})
	if cfg.Auth.Postgres.Host != "" {
		if err := auth.LoadTokensFromPostgres(cfg.Auth.Postgres); err != nil {
			logging.Error("Failed to load API tokens", "error", err)
		}
		go auth.RefreshTokensPeriodically(cfg.Auth.Postgres, time.Minute, idleConnsClosed)
	} else {
		// No token store configured: the service runs open, keyauth skips
		// requests without an X-API-Key header.
		auth.LoadTokensFromMap(map[string]int{})
	}

	app := server.New(server.Deps{Config: cfg, Redis: rdb})

	startServer(app, cfg, idleConnsClosed)
	<-idleConnsClosed
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(app *fiber.App, cfg config.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			logging.Error("Server error", "error", err)
		}
	}()

	// Listen for OS termination signals
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	logging.Warn("Shutdown signal received, closing server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	logging.Info("Server stopped cleanly")
}
