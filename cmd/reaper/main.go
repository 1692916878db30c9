package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/devplane/backend/internal/coder"
	"github.com/devplane/backend/internal/config"
	"github.com/devplane/backend/internal/reaper"
)

func main() {
	// Optional .env for local development
	godotenv.Load()

	cfg := config.LoadReaper()

	client := coder.NewClient(cfg.CoderURL, cfg.SessionToken)
	r := reaper.New(client, reaper.Config{
		IdleTimeout:    cfg.IdleTimeout,
		CheckInterval:  cfg.CheckInterval,
		GracePeriod:    cfg.GracePeriod,
		DryRun:         cfg.DryRun,
		ExcludedOwners: cfg.ExcludedOwners,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	router := mux.NewRouter()
	r.Routes(router)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Idle reaper starting on %s (dry_run=%v host=%s)",
		cfg.ListenAddr, cfg.DryRun, cfg.CoderURL)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}
