// Package repoll runs status re-polls out of band of the emitting request.
package repoll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bmarc/ms_facturacion_sri/internal/application/emission"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// ErrQueueFull is returned by Submit when the queue has no room. The
// document stays due in storage and the sweeper retries it.
var ErrQueueFull = errors.New("repoll queue is full")

// ErrPoolStopped is returned once Stop has been called.
var ErrPoolStopped = errors.New("repoll pool stopped")

// Handler performs one re-poll.
type Handler interface {
	Repoll(ctx context.Context, task taxdoc.RepollTask) (emission.RepollResult, error)
}

// Config sizes the pool.
type Config struct {
	Workers      int
	QueueSize    int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	LockTTL      time.Duration
}

// Pool is a fixed set of workers fed by a buffered queue. Delayed tasks wait
// on timers and enter the queue when due. It implements taxdoc.RepollScheduler.
type Pool struct {
	cfg     Config
	locker  taxdoc.Locker
	log     *slog.Logger
	handler Handler

	jobChan chan taxdoc.RepollTask
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewPool creates a pool. Call Start before scheduling.
func NewPool(cfg Config, locker taxdoc.Locker, log *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 64
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		locker:  locker,
		log:     log.With("component", "repoll_pool"),
		jobChan: make(chan taxdoc.RepollTask, cfg.QueueSize),
		timers:  make(map[string]*time.Timer),
	}
}

// Start launches the workers. The pool runs until ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context, handler Handler) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.handler = handler

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info("Repoll pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Stop cancels pending timers and waits for running re-polls to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("Repoll pool stopped")
}

// Schedule queues task after its backoff delay. A later schedule for the
// same document replaces an earlier pending one.
func (p *Pool) Schedule(_ context.Context, task taxdoc.RepollTask) error {
	delay := emission.Backoff(task.Attempt, p.cfg.InitialDelay, p.cfg.MaxDelay)
	if delay == 0 {
		return p.Submit(task)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if prev, ok := p.timers[task.DocumentID]; ok {
		prev.Stop()
	}
	p.timers[task.DocumentID] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, task.DocumentID)
		p.mu.Unlock()

		if err := p.Submit(task); err != nil {
			p.log.Warn("Dropped delayed re-poll", "document_id", task.DocumentID, "error", err)
		}
	})
	return nil
}

// Submit queues task for immediate execution without blocking.
func (p *Pool) Submit(task taxdoc.RepollTask) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || p.ctx == nil {
		return ErrPoolStopped
	}

	select {
	case <-p.ctx.Done():
		return ErrPoolStopped
	case p.jobChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports the number of delayed tasks waiting on timers.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Queued is the number of due tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.jobChan)
}

// Capacity is the size of the due-task queue.
func (p *Pool) Capacity() int {
	return cap(p.jobChan)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.jobChan:
			p.process(id, task)
		}
	}
}

// process runs one task under a per-document lock so that at most one
// re-poll per document is in flight across replicas.
func (p *Pool) process(worker int, task taxdoc.RepollTask) {
	lockKey := "repoll:" + task.DocumentID

	if p.locker != nil {
		token, ok, err := p.locker.TryLock(p.ctx, lockKey, p.cfg.LockTTL)
		if err != nil {
			p.log.Error("Failed to acquire re-poll lock", "document_id", task.DocumentID, "error", err)
			return
		}
		if !ok {
			p.log.Debug("Re-poll already running elsewhere", "document_id", task.DocumentID)
			return
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.locker.Release(releaseCtx, lockKey, token); err != nil {
				p.log.Warn("Failed to release re-poll lock", "document_id", task.DocumentID, "error", err)
			}
		}()
	}

	start := time.Now()
	result, err := p.handler.Repoll(p.ctx, task)
	if err != nil {
		p.log.Error("Re-poll failed",
			"worker", worker,
			"document_id", task.DocumentID,
			"attempt", task.Attempt,
			"error", err)
		return
	}
	p.log.Info("Re-poll finished",
		"worker", worker,
		"document_id", result.DocumentID,
		"status", string(result.Status),
		"attempt", result.Attempt,
		"skipped", result.Skipped,
		"duration_ms", time.Since(start).Milliseconds())
}
