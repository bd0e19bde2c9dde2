package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/communityhub/newsletter-service/internal/api"
	"github.com/communityhub/newsletter-service/internal/config"
	"github.com/communityhub/newsletter-service/internal/mailing"
	"github.com/communityhub/newsletter-service/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Database connected")

	store := mailing.NewStore(db)

	renderer, err := mailing.NewTemplateRenderer()
	if err != nil {
		log.Fatalf("Failed to parse newsletter template: %v", err)
	}

	// Outbound transport: Resend batch API by default, SES when enabled
	var sender worker.Sender
	if cfg.SES.Enabled {
		sender = worker.NewSESSender(cfg.SES, cfg.Resend.FromEmail)
		log.Printf("Using SES transport (region: %s)", cfg.SES.Region)
	} else {
		sender = worker.NewResendSender(cfg.Resend)
		log.Printf("Using Resend transport (from: %s)", cfg.Resend.FromEmail)
	}

	// Redis-backed send-rate limiter is optional; without it the processor
	// falls back to a fixed delay between transport calls.
	var limiter worker.RateLimiter
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		rl, err := worker.NewSendRateLimiterFromURL(cfg.Redis.URL, worker.DefaultRateLimits())
		if err != nil {
			log.Printf("Warning: Redis rate limiter unavailable, using fixed delay: %v", err)
		} else {
			limiter = rl
			defer rl.Close()
		}
	}

	dispatcher := worker.NewDispatcher(store, renderer, sender, cfg.Queue, cfg.Site)
	processor := worker.NewQueueProcessor(store, renderer, sender, limiter, cfg.Queue, cfg.Site)

	if err := processor.Start(); err != nil {
		log.Fatalf("Failed to start queue processor: %v", err)
	}

	handlers := api.NewHandlers(store, dispatcher, processor)
	server := api.NewServer(handlers)

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Let any in-flight tick finish before the DB pool closes
	processor.Stop()

	log.Println("Server stopped")
}
