// Package pool bounds concurrency for background work.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Job is a unit of background work.
type Job func(ctx context.Context) error

// WorkerPool runs jobs on a bounded set of worker goroutines.
// Workers are spawned on demand and exit after sitting idle, so a quiet
// pool costs one goroutine at most.
type WorkerPool struct {
	maxWorkers  int
	jobs        chan pending
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	closeMu     sync.RWMutex
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type pending struct {
	job Job
	ctx context.Context
}

// Config configures a WorkerPool.
type Config struct {
	// MaxWorkers caps concurrent workers.
	MaxWorkers int
	// QueueSize is the pending job buffer.
	QueueSize int
	// IdleTimeout is how long a surplus worker waits for work before exiting.
	IdleTimeout time.Duration
	// PanicHandler receives recovered job panics.
	PanicHandler func(any)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  8,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// New creates a worker pool.
func New(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &WorkerPool{
		maxWorkers:   cfg.MaxWorkers,
		jobs:         make(chan pending, cfg.QueueSize),
		idleTimeout:  cfg.IdleTimeout,
		panicHandler: cfg.PanicHandler,
	}
}

// Submit enqueues a job for asynchronous execution. The job receives ctx
// when it runs. Returns ErrPoolFull when the queue is saturated and no
// worker slot is free, ErrPoolClosed after Close.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	// The read lock keeps Close from closing p.jobs between the closed
	// check and the send.
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	w := pending{job: job, ctx: ctx}

	select {
	case p.jobs <- w:
		p.ensureWorker()
		return nil
	default:
		// Queue full; a fresh worker may drain it.
		if p.trySpawnWorker() {
			select {
			case p.jobs <- w:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case w, ok := <-p.jobs:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.run(w)
			p.activeCount.Add(-1)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Idle; keep the last worker alive so the pool stays warm.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(w pending) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("job panicked")
		}
	}()

	return w.job(w.ctx)
}

// Close stops accepting jobs, drains the queue, and waits for workers.
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return
	}
	close(p.jobs)
	p.closeMu.Unlock()
	p.wg.Wait()
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats describes pool activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
