package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/dispatch"
	"github.com/ignite/newsletter/internal/mailer"
	"github.com/ignite/newsletter/internal/pkg/distlock"
	"github.com/ignite/newsletter/internal/queue"
	"github.com/ignite/newsletter/internal/scheduler"
	"github.com/ignite/newsletter/internal/signing"
	"github.com/ignite/newsletter/internal/store"
	"github.com/ignite/newsletter/internal/template"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	log.Println("Starting newsletter worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database URL is required (config database.url or DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	st := store.New(db)
	signer := signing.NewTrackingSigner(cfg.Tracking.SigningKey)
	engine := template.NewEngine(signer, cfg.Tracking.BaseURL)

	sesMailer, err := mailer.NewSESMailer(context.Background(), cfg.SES)
	if err != nil {
		log.Fatalf("Failed to initialize SES mailer: %v", err)
	}
	orchestrator := dispatch.New(st, engine, sesMailer, cfg.Tracking.BaseURL)

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	jobs := queue.New(redisClient, cfg.Worker.QueueKey)
	pool := queue.NewWorkerPool(jobs, cfg.Worker.Concurrency)
	pool.Register(queue.JobDispatchCampaign, func(ctx context.Context, payload json.RawMessage) error {
		var p queue.DispatchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		_, err := orchestrator.Run(ctx, p.CampaignID, p.ListIDs, p.Test)
		return err
	})
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	sweepLock := distlock.New(redisClient, db, "planning-sweep", cfg.Scheduler.PollInterval())
	sweep := scheduler.New(st, jobs, sweepLock, cfg.Scheduler.PollInterval())
	if err := sweep.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	sweep.Stop()
	pool.Stop()
	log.Println("Worker stopped")
}
