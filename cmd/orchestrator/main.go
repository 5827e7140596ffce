// The orchestrator service owns the durable analysis lifecycle: uploads,
// job records, dispatch to the analyzer, and the notification feed.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/threatmodeling/backend/internal/analyzerclient"
	"github.com/threatmodeling/backend/internal/api"
	"github.com/threatmodeling/backend/internal/blob"
	"github.com/threatmodeling/backend/internal/config"
	"github.com/threatmodeling/backend/internal/events"
	"github.com/threatmodeling/backend/internal/notify"
	"github.com/threatmodeling/backend/internal/scheduler"
	"github.com/threatmodeling/backend/internal/store"
	"github.com/threatmodeling/backend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	configureLogging(cfg.LogLevel)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := store.EnsureSchema(ctx, db); err != nil {
		cancel()
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	cancel()

	blobs, err := blob.NewFS(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("Failed to initialize blob storage: %v", err)
	}

	repo := store.NewAnalysisRepository(db)
	notifier := notify.NewService(db)
	client := analyzerclient.New(cfg.AnalyzerURL)
	publisher := buildPublisher(cfg.RedisURL)

	pool := worker.NewPool(repo, blobs, client, notifier, publisher, cfg.AnalyzerURL, 4)
	pool.Start()

	sched := scheduler.New(repo, pool, time.Minute)
	sched.Start()

	server := &http.Server{
		Addr:         cfg.OrchestratorAddr,
		Handler:      api.NewServer(cfg, db, repo, blobs, notifier, pool).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Orchestrator listening on %s", cfg.OrchestratorAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down orchestrator")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	sched.Stop()
	pool.Stop()
}

// buildPublisher returns a Redis-backed event publisher, or a no-op one when
// Redis is not configured or unreachable.
func buildPublisher(redisURL string) events.Publisher {
	if redisURL == "" {
		return events.Noop{}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("Invalid REDIS_URL, events disabled: %v", err)
		return events.Noop{}
	}
	return events.NewRedisPublisher(redis.NewClient(opts))
}

func configureLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
