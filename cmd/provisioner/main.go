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
	"github.com/devplane/backend/internal/litellm"
	"github.com/devplane/backend/internal/provisioner"
)

func main() {
	// Optional .env for local development
	godotenv.Load()

	cfg := config.LoadProvisioner()

	llm := litellm.NewHTTPClient(cfg.LiteLLMURL, cfg.LiteLLMMasterKey)
	coderClient := coder.NewClient(cfg.CoderURL, "")

	svc := provisioner.New(llm, coderClient, cfg.ProvisionerSecret)

	router := mux.NewRouter()
	svc.Routes(router)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Key provisioner starting on %s (router=%s host=%s)",
		cfg.ListenAddr, cfg.LiteLLMURL, cfg.CoderURL)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}
