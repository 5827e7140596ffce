// The analyzer service performs the synchronous threat analysis: guardrail,
// diagram extraction, STRIDE classification and DREAD scoring over a chain
// of LLM providers.
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

	"github.com/threatmodeling/backend/internal/analyzerapi"
	"github.com/threatmodeling/backend/internal/cache"
	"github.com/threatmodeling/backend/internal/config"
	"github.com/threatmodeling/backend/internal/llm"
	"github.com/threatmodeling/backend/internal/pipeline"
	"github.com/threatmodeling/backend/internal/rag"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	configureLogging(cfg.LogLevel)

	providers := llm.DefaultProviders(cfg)
	index := rag.New(cfg)
	defer index.Close()

	p := pipeline.New(providers, buildCache(cfg.RedisURL), index)

	server := &http.Server{
		Addr:    cfg.AnalyzerAddr,
		Handler: analyzerapi.NewServer(cfg, p).Router(),
		// Analyses can legitimately run for minutes.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 310 * time.Second,
	}

	go func() {
		log.Printf("Analyzer listening on %s", cfg.AnalyzerAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down analyzer")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}

// buildCache prefers the memory-over-Redis tier; a missing or unreachable
// Redis degrades to in-process memory only.
func buildCache(redisURL string) cache.Cache {
	if redisURL == "" {
		return cache.NewMemory()
	}
	remote, err := cache.NewRedis(redisURL)
	if err != nil {
		log.Printf("Redis unavailable, using in-memory cache only: %v", err)
		return cache.NewMemory()
	}
	return cache.NewTiered(remote)
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
