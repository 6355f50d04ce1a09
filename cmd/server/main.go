package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter/internal/api"
	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/dispatch"
	"github.com/ignite/newsletter/internal/mailer"
	"github.com/ignite/newsletter/internal/queue"
	"github.com/ignite/newsletter/internal/signing"
	"github.com/ignite/newsletter/internal/store"
	"github.com/ignite/newsletter/internal/template"
	"github.com/ignite/newsletter/internal/trackingsrv"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	log.Println("Starting newsletter server...")

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
	jobs := queue.New(redisClient, cfg.Worker.QueueKey)

	sesMailer, err := mailer.NewSESMailer(context.Background(), cfg.SES)
	if err != nil {
		log.Fatalf("Failed to initialize SES mailer: %v", err)
	}
	orchestrator := dispatch.New(st, engine, sesMailer, cfg.Tracking.BaseURL)

	tracking := trackingsrv.NewHandler(st, signer, cfg.Bounce.APIKey, cfg.Bounce.APISecret, cfg.Bounce.Window())
	operator := api.NewHandlers(st, jobs, orchestrator, engine, cfg.Dispatch.MaxTestRecipients)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		MaxAge:         300,
	}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	tracking.Register(r)
	operator.Register(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
