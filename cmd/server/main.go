package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/david/opportunity-validator/internal/ai"
	"github.com/david/opportunity-validator/internal/api"
	"github.com/david/opportunity-validator/internal/auth"
	"github.com/david/opportunity-validator/internal/config"
	"github.com/david/opportunity-validator/internal/db"
	"github.com/david/opportunity-validator/internal/ingest"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	embed := flag.Bool("embed-concepts", false, "embed new concepts through Ollama after each batch")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	weights, err := cfg.ScoringWeights()
	if err != nil {
		log.Fatalf("Invalid weights: %v", err)
	}
	validator, err := ingest.NewConstraintValidator(weights)
	if err != nil {
		log.Fatalf("Invalid validator config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.ConnectURL(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	store := db.NewStore(pool)
	authService, err := auth.NewService(store, cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatalf("Auth setup failed: %v", err)
	}

	opts := api.Options{
		AdminSecret:     cfg.Auth.AdminSecret,
		Workers:         cfg.Validation.Workers,
		CheckDuplicates: cfg.Validation.CheckDuplicates,
	}
	if opts.AdminSecret == "" {
		log.Print("ADMIN_SECRET is not set; admin routes accept operator tokens only")
	}
	if *embed {
		opts.Embedder = ai.NewOllamaClient(cfg.Ollama.Host, cfg.Ollama.EmbedModel, cfg.Ollama.Model,
			cfg.Ollama.RateLimitRPS, time.Duration(cfg.Ollama.TimeoutSeconds)*time.Second)
	}

	srv := api.NewServer(store, authService, validator, opts)
	log.Printf("Server starting on port %s...", cfg.Server.Port)
	if err := srv.Start(cfg.Server.Port); err != nil {
		log.Fatal(err)
	}
}
