// Package worker runs queued investigations on a fixed pool of
// goroutines. The pool owns a cancel registry so individual
// investigations can be cancelled while the rest keep running, and
// drains in-flight work on Stop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for pool operations.
var (
	// ErrQueueFull indicates the submission queue is at capacity.
	ErrQueueFull = errors.New("worker queue full")

	// ErrStopped indicates the pool no longer accepts work.
	ErrStopped = errors.New("worker pool stopped")
)

// Job is one queued investigation. Run receives a context that is
// cancelled by Pool.Cancel or never; it must return when the context
// ends.
type Job struct {
	InvestigationID string
	Run             func(ctx context.Context)
}

// Config sizes the pool.
type Config struct {
	WorkerCount int `yaml:"worker_count"`
	QueueDepth  int `yaml:"queue_depth"`
}

// DefaultConfig returns the standard pool sizing.
func DefaultConfig() Config {
	return Config{WorkerCount: 4, QueueDepth: 64}
}

// Health is a point-in-time snapshot of the pool.
type Health struct {
	TotalWorkers  int       `json:"total_workers"`
	ActiveJobs    int       `json:"active_jobs"`
	QueueDepth    int       `json:"queue_depth"`
	JobsProcessed int64     `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

// Pool is the worker pool. Create with NewPool, then Start.
type Pool struct {
	name   string
	cfg    Config
	queue  chan Job
	logger *slog.Logger
	wg     sync.WaitGroup

	mu        sync.RWMutex
	active    map[string]context.CancelFunc
	processed int64
	lastWork  time.Time
	started   bool
	stopped   bool
}

// NewPool creates a pool. name tags log lines when several pools run in
// one process.
func NewPool(name string, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	return &Pool{
		name:   name,
		cfg:    cfg,
		queue:  make(chan Job, cfg.QueueDepth),
		logger: logger,
		active: map[string]context.CancelFunc{},
	}
}

// Start spawns the worker goroutines. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("worker pool already started, ignoring duplicate Start", "pool", p.name)
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("starting worker pool", "pool", p.name, "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.name, i)
		p.wg.Add(1)
		go p.runWorker(workerID)
	}
}

// Submit queues one job. Non-blocking: a full queue returns
// ErrQueueFull rather than stalling the caller.
func (p *Pool) Submit(job Job) error {
	// the stopped check and the send must be one critical section, or
	// Stop could close the queue between them and the send would panic
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel cancels a running or queued investigation. Returns true when
// the investigation was active on this pool.
func (p *Pool) Cancel(investigationID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.active[investigationID]; ok {
		cancel()
		return true
	}
	return false
}

// Stop closes the queue and waits for in-flight jobs to finish.
// Graceful: running investigations are not cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	active := len(p.active)
	close(p.queue)
	p.mu.Unlock()

	if active > 0 {
		p.logger.Info("waiting for active investigations to complete",
			"pool", p.name, "count", active)
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped", "pool", p.name)
}

// Health returns the current pool snapshot.
func (p *Pool) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Health{
		TotalWorkers:  p.cfg.WorkerCount,
		ActiveJobs:    len(p.active),
		QueueDepth:    len(p.queue),
		JobsProcessed: p.processed,
		LastActivity:  p.lastWork,
	}
}

func (p *Pool) runWorker(workerID string) {
	defer p.wg.Done()
	for job := range p.queue {
		p.runJob(workerID, job)
	}
}

func (p *Pool) runJob(workerID string, job Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.mu.Lock()
	p.active[job.InvestigationID] = cancel
	p.mu.Unlock()

	p.logger.Info("investigation picked up",
		"pool", p.name, "worker", workerID, "investigation_id", job.InvestigationID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("investigation panicked",
				"pool", p.name, "worker", workerID,
				"investigation_id", job.InvestigationID, "panic", r)
		}
		p.mu.Lock()
		delete(p.active, job.InvestigationID)
		p.processed++
		p.lastWork = time.Now()
		p.mu.Unlock()
		p.logger.Info("investigation finished",
			"pool", p.name, "worker", workerID,
			"investigation_id", job.InvestigationID,
			"duration", time.Since(start).Round(time.Millisecond))
	}()

	job.Run(ctx)
}
