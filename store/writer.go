package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/internal/pool"
	"github.com/BaSui01/agenthive/task"
)

const (
	// archiveWorkers bounds concurrent archive writes.
	archiveWorkers = 2
	// archiveQueue buffers pending writes before they are dropped.
	archiveQueue = 512
	// persistTimeout bounds a single write attempt.
	persistTimeout = 5 * time.Second
)

// Writer archives terminal tasks and incentive records in the background.
// Writes are retried with backoff; a write that still fails is logged and
// counted, never surfaced to task processing.
type Writer struct {
	arch   Archive
	pool   *pool.WorkerPool
	retry  RetryConfig
	ttl    time.Duration
	sweep  time.Duration
	logger *zap.Logger

	submitted atomic.Int64
	archived  atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	swept     atomic.Int64

	writeHook func(kind, status string)

	stop     chan struct{}
	done     chan struct{}
	sweeping bool
	started  atomic.Bool
	stopOnce sync.Once
}

// WriterOption adjusts Writer construction.
type WriterOption func(*Writer)

// WithRetryConfig overrides the write retry policy.
func WithRetryConfig(rc RetryConfig) WriterOption {
	return func(w *Writer) {
		w.retry = rc
	}
}

// WithWriteHook calls fn after every settled write with its kind ("task" or
// "record") and status ("ok", "error", "dropped"). The metrics collector
// hangs off this.
func WithWriteHook(fn func(kind, status string)) WriterOption {
	return func(w *Writer) {
		w.writeHook = fn
	}
}

// NewWriter wraps an archive with an asynchronous write path.
func NewWriter(arch Archive, cfg config.StoreConfig, logger *zap.Logger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}

	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}

	w := &Writer{
		arch:   arch,
		retry:  retry,
		ttl:    cfg.ArchiveTTL,
		sweep:  cfg.CleanupInterval,
		logger: logger.With(zap.String("component", "archive_writer")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.pool = pool.New(pool.Config{
		MaxWorkers: archiveWorkers,
		QueueSize:  archiveQueue,
		PanicHandler: func(v any) {
			w.logger.Error("archive write panicked", zap.Any("panic", v))
		},
	})

	return w
}

// Start launches the cleanup sweep when retention is configured.
// Archiving itself needs no Start; it works from construction.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if w.ttl <= 0 || w.sweep <= 0 {
		return
	}
	w.sweeping = true
	go w.sweepLoop()
}

// Stop halts the sweep, drains queued writes, and waits for them.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.sweeping {
			<-w.done
		}
		w.pool.Close()
	})
}

// ArchiveTask queues a terminal task for archival.
func (w *Writer) ArchiveTask(t *task.Task) {
	at, err := NewArchivedTask(t)
	if err != nil {
		w.failed.Add(1)
		w.observe("task", "error")
		w.logger.Warn("task rejected by archive", zap.Error(err))
		return
	}

	w.submit("task", at.ID, func(ctx context.Context) error {
		return w.arch.SaveTask(ctx, at)
	})
}

// ArchiveRecord queues an incentive record for archival.
func (w *Writer) ArchiveRecord(rec incentive.Record) {
	w.submit("record", rec.TaskID, func(ctx context.Context) error {
		return w.arch.SaveRecord(ctx, rec)
	})
}

func (w *Writer) submit(kind, id string, save func(ctx context.Context) error) {
	w.submitted.Add(1)

	err := w.pool.Submit(context.Background(), func(ctx context.Context) error {
		return w.persist(kind, id, save)
	})
	if err != nil {
		w.dropped.Add(1)
		w.observe(kind, "dropped")
		w.logger.Warn("archive write dropped",
			zap.String("kind", kind),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}

func (w *Writer) persist(kind, id string, save func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := save(ctx)
		cancel()

		if err == nil {
			w.archived.Add(1)
			w.observe(kind, "ok")
			return nil
		}

		if errors.Is(err, ErrStoreClosed) || errors.Is(err, ErrInvalidInput) || attempt >= w.retry.MaxRetries {
			w.failed.Add(1)
			w.observe(kind, "error")
			w.logger.Warn("archive write failed",
				zap.String("kind", kind),
				zap.String("id", id),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return err
		}

		select {
		case <-time.After(w.retry.CalculateBackoff(attempt)):
		case <-w.stop:
			w.failed.Add(1)
			w.observe(kind, "error")
			w.logger.Warn("archive write abandoned at shutdown",
				zap.String("kind", kind),
				zap.String("id", id),
				zap.Error(err),
			)
			return err
		}
	}
}

func (w *Writer) observe(kind, status string) {
	if w.writeHook != nil {
		w.writeHook(kind, status)
	}
}

func (w *Writer) sweepLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			removed, err := w.arch.Cleanup(ctx, w.ttl)
			cancel()

			if err != nil {
				w.logger.Warn("archive cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				w.swept.Add(int64(removed))
				w.logger.Debug("archive cleanup removed entries", zap.Int("removed", removed))
			}
		case <-w.stop:
			return
		}
	}
}

// WriterStats describes writer activity.
type WriterStats struct {
	Submitted int64 `json:"submitted"`
	Archived  int64 `json:"archived"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Swept     int64 `json:"swept"`
}

// Stats returns a point-in-time snapshot of writer counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Submitted: w.submitted.Load(),
		Archived:  w.archived.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
		Swept:     w.swept.Load(),
	}
}
