package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/task"
)

// flakyArchive fails the first N task writes, then behaves normally.
type flakyArchive struct {
	*MemoryArchive
	failures atomic.Int32
}

func (f *flakyArchive) SaveTask(ctx context.Context, at *ArchivedTask) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("transient archive outage")
	}
	return f.MemoryArchive.SaveTask(ctx, at)
}

// fastRetry keeps test backoff in the millisecond range.
func fastRetry(maxRetries int) WriterOption {
	return WithRetryConfig(RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})
}

func TestWriter_ArchivesTaskAsync(t *testing.T) {
	arch := NewMemoryArchive()
	w := NewWriter(arch, config.StoreConfig{}, nil)
	defer w.Stop()

	w.ArchiveTask(terminalTask("w-1", task.StatusCompleted, "alice"))

	require.Eventually(t, func() bool {
		_, err := arch.GetTask(context.Background(), "w-1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Archived)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestWriter_RejectsNonTerminalTask(t *testing.T) {
	arch := NewMemoryArchive()
	w := NewWriter(arch, config.StoreConfig{}, nil)
	defer w.Stop()

	running := task.NewTask("count open incidents")
	running.Status = task.StatusInProgress
	w.ArchiveTask(running)

	stats := w.Stats()
	assert.Equal(t, int64(0), stats.Submitted)
	assert.Equal(t, int64(1), stats.Failed)

	tasks, err := arch.ListTasks(context.Background(), TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	arch := &flakyArchive{MemoryArchive: NewMemoryArchive()}
	arch.failures.Store(2)

	w := NewWriter(arch, config.StoreConfig{}, nil, fastRetry(3))
	defer w.Stop()

	w.ArchiveTask(terminalTask("w-retry", task.StatusCompleted, "alice"))

	require.Eventually(t, func() bool {
		_, err := arch.GetTask(context.Background(), "w-retry")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Archived)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestWriter_GivesUpAfterRetryBudget(t *testing.T) {
	arch := &flakyArchive{MemoryArchive: NewMemoryArchive()}
	arch.failures.Store(100)

	w := NewWriter(arch, config.StoreConfig{}, nil, fastRetry(2))
	defer w.Stop()

	w.ArchiveTask(terminalTask("w-doomed", task.StatusCompleted, "alice"))

	require.Eventually(t, func() bool {
		return w.Stats().Failed == 1
	}, time.Second, 5*time.Millisecond)

	_, err := arch.GetTask(context.Background(), "w-doomed")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), w.Stats().Archived)
}

func TestWriter_ArchiveRecordRoundtrip(t *testing.T) {
	arch := NewMemoryArchive()
	w := NewWriter(arch, config.StoreConfig{}, nil)
	defer w.Stop()

	w.ArchiveRecord(sampleRecord("alice", "w-rec", 0.42))

	require.Eventually(t, func() bool {
		records, err := arch.ListRecords(context.Background())
		return err == nil && len(records) == 1
	}, time.Second, 5*time.Millisecond)

	records, err := arch.ListRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", records[0].AgentID)
	assert.Equal(t, 0.42, records[0].AdjustedScore)
}

func TestWriter_WriteHookObservesOutcomes(t *testing.T) {
	arch := NewMemoryArchive()

	var mu sync.Mutex
	var seen []string
	w := NewWriter(arch, config.StoreConfig{}, nil,
		WithWriteHook(func(kind, status string) {
			mu.Lock()
			seen = append(seen, kind+"/"+status)
			mu.Unlock()
		}))
	defer w.Stop()

	running := task.NewTask("count open incidents")
	running.Status = task.StatusInProgress
	w.ArchiveTask(running)

	w.ArchiveTask(terminalTask("w-hook", task.StatusCompleted, "alice"))
	w.ArchiveRecord(sampleRecord("alice", "w-hook", 0.5))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "task/error", seen[0], "the non-terminal reject settles synchronously")
	assert.ElementsMatch(t, []string{"task/ok", "record/ok"}, seen[1:])
}

func TestWriter_WriteHookReportsExhaustedRetries(t *testing.T) {
	arch := &flakyArchive{MemoryArchive: NewMemoryArchive()}
	arch.failures.Store(100)

	var mu sync.Mutex
	var seen []string
	w := NewWriter(arch, config.StoreConfig{}, nil, fastRetry(1),
		WithWriteHook(func(kind, status string) {
			mu.Lock()
			seen = append(seen, kind+"/"+status)
			mu.Unlock()
		}))
	defer w.Stop()

	w.ArchiveTask(terminalTask("w-hook-fail", task.StatusCompleted, "alice"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"task/error"}, seen)
}

func TestWriter_SweepLoopCleans(t *testing.T) {
	arch := NewMemoryArchive()
	stale := &ArchivedTask{ID: "w-stale", Status: "completed", ArchivedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, arch.SaveTask(context.Background(), stale))

	cfg := config.StoreConfig{
		ArchiveTTL:      50 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}
	w := NewWriter(arch, cfg, nil)
	w.Start()
	w.Start() // second call is a no-op
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, err := arch.GetTask(context.Background(), "w-stale")
		return errors.Is(err, ErrNotFound) && w.Stats().Swept >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestWriter_StopDrainsQueuedWrites(t *testing.T) {
	arch := NewMemoryArchive()
	w := NewWriter(arch, config.StoreConfig{}, nil)

	const n = 20
	for i := 0; i < n; i++ {
		w.ArchiveTask(terminalTask(fmt.Sprintf("w-drain-%d", i), task.StatusCompleted, "alice"))
	}
	w.Stop()
	w.Stop() // idempotent

	stats := w.Stats()
	assert.Equal(t, int64(n), stats.Submitted)
	assert.Equal(t, int64(n), stats.Archived)

	archStats, err := arch.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), archStats.Tasks)
}
