// Package scheduler recovers queued work. A periodic sweep picks up the
// oldest open analysis and hands it to the worker pool; the database CAS on
// MarkProcessing makes the sweep safe to run alongside direct dispatch and
// alongside other orchestrator replicas.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/threatmodeling/backend/internal/metrics"
	"github.com/threatmodeling/backend/internal/store"
)

// Enqueuer accepts a claimed analysis id for processing.
type Enqueuer interface {
	Enqueue(id uuid.UUID) bool
}

// Scheduler sweeps the analyses table for open jobs.
type Scheduler struct {
	repo     *store.AnalysisRepository
	queue    Enqueuer
	interval time.Duration
	stopCh   chan struct{}
	logger   *log.Logger
}

// New creates a stopped scheduler. Interval defaults to one minute.
func New(repo *store.AnalysisRepository, queue Enqueuer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		repo:     repo,
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
}

// Start launches the sweep loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the sweep loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("Started pending-analysis sweep (interval=%s)", s.interval)

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			s.logger.Println("Scheduler stopped")
			return
		}
	}
}

// sweep claims at most one job per tick. A quiet table or a lost claim race
// is a silent tick.
func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending, err := s.repo.GetPending(ctx)
	if err != nil {
		s.logger.Printf("Sweep failed: %v", err)
		metrics.SchedulerClaims.WithLabelValues("error").Inc()
		return
	}
	if pending == nil {
		metrics.SchedulerClaims.WithLabelValues("idle").Inc()
		return
	}

	won, err := s.repo.MarkProcessing(ctx, pending.ID, time.Now().UTC())
	if err != nil {
		s.logger.Printf("Claim of %s failed: %v", pending.Code, err)
		metrics.SchedulerClaims.WithLabelValues("error").Inc()
		return
	}
	if !won {
		metrics.SchedulerClaims.WithLabelValues("lost").Inc()
		return
	}

	metrics.SchedulerClaims.WithLabelValues("claimed").Inc()
	if !s.queue.Enqueue(pending.ID) {
		// Queue saturated. The job stays PROCESSANDO and a restart or manual
		// intervention is needed; log loudly.
		s.logger.Printf("Queue full, claimed analysis %s is stranded", pending.Code)
	}
}
