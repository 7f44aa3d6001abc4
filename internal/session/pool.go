package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool defaults. The queue is deliberately small: maintenance work is
// idempotent per conversation, so dropping a job under pressure only delays
// the next summary pass.
const (
	defaultWorkers    = 2
	defaultQueueSize  = 64
	defaultJobTimeout = 2 * time.Minute
)

// Job is a unit of background maintenance work.
type Job struct {
	// Name identifies the job kind in logs (e.g. "summarize", "embed").
	Name string

	// ConversationID scopes the job for logging.
	ConversationID string

	// Run does the work. The context is detached from any request and
	// carries the pool's job timeout.
	Run func(ctx context.Context) error
}

// PoolOption is a functional option for [NewPool].
type PoolOption func(*Pool)

// WithWorkers sets the number of worker goroutines. Defaults to 2.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize sets the pending-job buffer. Defaults to 64.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithJobTimeout sets the per-job deadline. Defaults to 2 minutes.
func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// Pool is the bounded worker pool for background maintenance. Jobs run on
// their own detached contexts so a cancelled request never tears down the
// maintenance it scheduled.
type Pool struct {
	workers    int
	queueSize  int
	jobTimeout time.Duration
	log        *slog.Logger

	jobs     chan Job
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool creates and starts a Pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		workers:    defaultWorkers,
		queueSize:  defaultQueueSize,
		jobTimeout: defaultJobTimeout,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	p.jobs = make(chan Job, p.queueSize)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a job without blocking. It reports false when the queue is
// full or the pool is stopped; callers treat that as a skipped maintenance
// pass, not an error.
func (p *Pool) Submit(job Job) (accepted bool) {
	if job.Run == nil {
		return false
	}
	defer func() {
		// Submitting to a closed channel panics; a stopped pool just
		// declines the job.
		if recover() != nil {
			accepted = false
		}
	}()

	select {
	case p.jobs <- job:
		return true
	default:
		p.log.Warn("maintenance queue full, dropping job",
			"job", job.Name,
			"conversation_id", job.ConversationID)
		return false
	}
}

// Stop closes the queue and waits for in-flight and queued jobs to finish,
// or for ctx to expire. Safe to call multiple times.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.jobs) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker drains the queue until it is closed.
func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

// run executes one job on a fresh detached context.
func (p *Pool) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		p.log.Warn("maintenance job failed",
			"job", job.Name,
			"conversation_id", job.ConversationID,
			"duration", time.Since(start),
			"error", err)
		return
	}
	p.log.Debug("maintenance job done",
		"job", job.Name,
		"conversation_id", job.ConversationID,
		"duration", time.Since(start))
}
