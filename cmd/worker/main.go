package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/ignite/offermail/internal/app"
	"github.com/ignite/offermail/internal/config"
	"github.com/ignite/offermail/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	log.Println("Starting offermail worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	runner := worker.NewRunner(a.Locks, a.Tasks()...)
	runner.Start(ctx)
	log.Println("Worker running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutdown signal received, stopping worker...")

	cancel()
	runner.Wait()
	// Running jobs are failed as interrupted so the next tick can replace them.
	a.Close()

	for name, s := range runner.Stats() {
		log.Printf("[Worker] %s: runs=%d skipped=%d errors=%d panics=%d", name, s.Runs, s.Skipped, s.Errors, s.Panics)
	}
	log.Println("Worker stopped")
}
