package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/coldreach/internal/app"
	"github.com/ignite/coldreach/internal/config"
)

// The worker runs the send pool, background loops and event consumers
// without the HTTP API. Several workers may share one database and Redis;
// per-target locks and the sweeper's leader lock keep them from colliding.
func main() {
	log.Println("Starting coldreach worker...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required for a standalone worker")
	}

	ctx := context.Background()
	engine, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	log.Println("Worker is running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down worker...")
	engine.Stop()
	log.Println("Worker stopped")
}
