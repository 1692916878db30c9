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

	"github.com/devplane/backend/internal/config"
	"github.com/devplane/backend/internal/enforcement"
	"github.com/devplane/backend/internal/gateway"
	"github.com/devplane/backend/internal/guardrails"
	"github.com/devplane/backend/internal/litellm"
	"github.com/devplane/backend/internal/pipeline"
	"github.com/devplane/backend/internal/usage"
)

func main() {
	// Optional .env for local development
	godotenv.Load()

	cfg := config.LoadGateway()
	file, err := config.LoadGatewayFile(os.Getenv("GATEWAY_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load gateway config file: %v", err)
	}
	cfg.Apply(file)

	llm := litellm.NewHTTPClient(cfg.LiteLLMURL, cfg.LiteLLMMasterKey)

	library := guardrails.NewLibrary(cfg.GuardrailsDir)
	guard := guardrails.NewHook(library, guardrails.HookConfig{
		Enabled:       cfg.GuardrailsEnabled,
		DefaultLevel:  cfg.DefaultLevel,
		DefaultAction: cfg.DefaultAction,
	})
	enforce := enforcement.NewHook(cfg.PromptsDir, cfg.DefaultEnforcementLevel)

	// Guardrails scan the raw payload before the enforcement prompt is
	// prepended, so trusted prompt text is never scanned.
	pipe := pipeline.New(guard, enforce)

	recorder := usage.NewRecorder(usage.DBConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
	})
	defer recorder.Close()

	tracker := usage.NewTracker(cfg.RedisAddr, cfg.RedisPassword)
	defer tracker.Close()

	srv := gateway.New(llm, pipe, recorder, tracker, cfg, file.AllowedModels)

	router := mux.NewRouter()
	srv.Routes(router)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// Write timeout must cover the upstream chat completion budget.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second,
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

	log.Printf("🚀 AI gateway starting on %s (guardrails=%v upstream=%s)",
		cfg.ListenAddr, cfg.GuardrailsEnabled, cfg.LiteLLMURL)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}
