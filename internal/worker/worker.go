// Package worker runs the asynchronous analysis jobs. Jobs arrive on a
// buffered channel (from direct dispatch at upload time or from the
// scheduler sweep) and each one drives a single analysis through its full
// lifecycle: claim, image load, analyzer call, terminal transition,
// notification.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threatmodeling/backend/internal/analyzerclient"
	"github.com/threatmodeling/backend/internal/blob"
	"github.com/threatmodeling/backend/internal/circuitbreaker"
	"github.com/threatmodeling/backend/internal/events"
	"github.com/threatmodeling/backend/internal/metrics"
	"github.com/threatmodeling/backend/internal/notify"
	"github.com/threatmodeling/backend/internal/store"
)

// jobTimeout bounds one full job including the analyzer call.
const jobTimeout = 310 * time.Second

// Pool is the channel-fed worker pool.
type Pool struct {
	repo      *store.AnalysisRepository
	blobs     blob.Store
	analyzer  *analyzerclient.Client
	notifier  *notify.Service
	publisher events.Publisher

	analyzerURL string
	queue       chan uuid.UUID
	workers     int
	logger      *log.Logger
	wg          sync.WaitGroup
}

// NewPool builds a stopped pool. workers defaults to 4.
func NewPool(
	repo *store.AnalysisRepository,
	blobs blob.Store,
	analyzer *analyzerclient.Client,
	notifier *notify.Service,
	publisher events.Publisher,
	analyzerURL string,
	workers int,
) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Pool{
		repo:        repo,
		blobs:       blobs,
		analyzer:    analyzer,
		notifier:    notifier,
		publisher:   publisher,
		analyzerURL: analyzerURL,
		queue:       make(chan uuid.UUID, 100),
		workers:     workers,
		logger:      log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Printf("Started %d analysis workers", p.workers)
}

// Stop drains the queue and waits for in-flight jobs.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
	p.logger.Println("Workers stopped")
}

// Enqueue offers a job to the pool without blocking. Returns false when the
// queue is full; the scheduler sweep will pick the job up again.
func (p *Pool) Enqueue(id uuid.UUID) bool {
	select {
	case p.queue <- id:
		return true
	default:
		return false
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for id := range p.queue {
		p.process(id)
	}
}

// process drives one job. Terminal records are skipped so a duplicate
// enqueue (direct dispatch plus scheduler sweep) is harmless.
func (p *Pool) process(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	a, err := p.repo.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Printf("Analysis %s vanished before processing", id)
		return
	}
	if err != nil {
		p.logger.Printf("Load of %s failed: %v", id, err)
		metrics.JobsProcessed.WithLabelValues("error").Inc()
		return
	}
	if a.Status.Terminal() {
		return
	}

	// Direct dispatch hands the job over still open; the scheduler claims
	// before enqueueing. Claim here only when needed.
	if a.Status == store.StatusOpen {
		won, err := p.repo.MarkProcessing(ctx, id, time.Now().UTC())
		if err != nil {
			p.logger.Printf("Claim of %s failed: %v", a.Code, err)
			metrics.JobsProcessed.WithLabelValues("error").Inc()
			return
		}
		if !won {
			return
		}
	}

	p.log(ctx, id, "Processamento iniciado")

	if !p.blobs.Exists(a.ImagePath) {
		p.fail(ctx, a, "Image file not found")
		return
	}
	image, err := p.blobs.Get(a.ImagePath)
	if err != nil {
		p.fail(ctx, a, fmt.Sprintf("Failed to read image: %v", err))
		return
	}

	p.log(ctx, id, fmt.Sprintf("Chamando threat-analyzer em %s", p.analyzerURL))

	result, err := p.analyzer.Analyze(ctx, image, a.ImagePath)
	if err != nil {
		p.fail(ctx, a, failureMessage(err))
		return
	}

	if err := p.repo.MarkAnalysed(ctx, id, time.Now().UTC(), result.Raw); err != nil {
		p.logger.Printf("Persisting result of %s failed: %v", a.Code, err)
		metrics.JobsProcessed.WithLabelValues("error").Inc()
		return
	}

	threatCount := len(result.Report.Threats)
	riskLevel := string(result.Report.RiskLevel)
	p.log(ctx, id, fmt.Sprintf("Análise concluída: %d ameaças", threatCount))

	p.notify(ctx, a, riskLevel, threatCount)
	p.publisher.Publish(ctx, events.Completed(a.ID, a.Code, riskLevel, threatCount))
	metrics.JobsProcessed.WithLabelValues("completed").Inc()
}

// fail moves the job to FALHOU. The message lands in error_message and is
// shown to the user as-is.
func (p *Pool) fail(ctx context.Context, a *store.Analysis, message string) {
	p.log(ctx, a.ID, fmt.Sprintf("Falha no processamento: %s", message))
	if err := p.repo.MarkFailed(ctx, a.ID, time.Now().UTC(), message); err != nil {
		p.logger.Printf("Marking %s failed errored: %v", a.Code, err)
	}
	p.publisher.Publish(ctx, events.Failed(a.ID, a.Code, message))
	metrics.JobsProcessed.WithLabelValues("failed").Inc()
}

// notify records the completion notification. A notification failure never
// fails the job.
func (p *Pool) notify(ctx context.Context, a *store.Analysis, riskLevel string, threatCount int) {
	message := fmt.Sprintf("Análise %s concluída. Risco: %s. %d ameaças identificadas.",
		a.Code, riskLevel, threatCount)
	link := fmt.Sprintf("/analyses/%s", a.ID)
	if _, err := p.notifier.Create(ctx, a.ID, "Análise Concluída", message, link); err != nil {
		p.logger.Printf("Notification for %s failed: %v", a.Code, err)
	}
}

// log appends one line to the job's processing log. Log write failures are
// not fatal.
func (p *Pool) log(ctx context.Context, id uuid.UUID, line string) {
	if err := p.repo.AppendProcessingLog(ctx, id, line); err != nil {
		p.logger.Printf("Appending log for %s failed: %v", id, err)
	}
}

// failureMessage maps client errors to the stored error message.
func failureMessage(err error) string {
	var se *analyzerclient.StatusError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("Analyzer rejected the analysis (status %d): %s", se.Code, se.Body)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "Analysis service unavailable: circuit breaker open"
	case errors.Is(err, context.DeadlineExceeded):
		return "Analysis timed out"
	case analyzerclient.Unavailable(err):
		return fmt.Sprintf("Analysis service unavailable: %v", err)
	default:
		return fmt.Sprintf("Analysis service error: %v", err)
	}
}
