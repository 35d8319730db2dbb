package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/dpolishuk/codegraph/internal/api"
	"github.com/dpolishuk/codegraph/internal/app"
	"github.com/dpolishuk/codegraph/internal/config"
	"github.com/dpolishuk/codegraph/internal/logging"
	"github.com/dpolishuk/codegraph/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("CODEGRAPH_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.Log)

	tel, err := telemetry.Init()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	server := fiber.New(fiber.Config{
		AppName: "codegraph",
	})
	api.SetupRoutes(server, api.NewHandler(a), tel.Handler())

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		_ = server.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.Info("starting codegraph server", "port", cfg.Port,
		"graph", cfg.Stores.Graph, "vector", cfg.Stores.Vector)
	if err := server.Listen(":" + cfg.Port); err != nil {
		logger.Error("server stopped", "error", err)
	}

	if err := a.Close(); err != nil {
		logger.Error("close stores", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tel.Shutdown(shutdownCtx)
}
