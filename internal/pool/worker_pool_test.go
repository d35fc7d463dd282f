package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsSubmittedJobs(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueSize: 16})
	defer p.Close()

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return ran.Load() == 10
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return p.Stats().Completed == 10
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 8})
	defer p.Close()

	entered := make(chan struct{}, 8)
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			entered <- struct{}{}
			<-release
			return nil
		})
		require.NoError(t, err)
	}

	// Both workers pick up a job each.
	<-entered
	<-entered

	// No third job may start while both workers are occupied.
	assert.Never(t, func() bool {
		return len(entered) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	close(release)
	p.Close()

	assert.Equal(t, int64(6), p.Stats().Completed)
}

func TestWorkerPool_RejectsWhenSaturated(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	err := p.Submit(context.Background(), func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-entered

	// Fills the one queue slot.
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	}))

	err = p.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestWorkerPool_RecoversFromPanic(t *testing.T) {
	caught := make(chan any, 1)
	p := New(Config{
		MaxWorkers: 1,
		QueueSize:  4,
		PanicHandler: func(v any) {
			caught <- v
		},
	})
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))

	select {
	case v := <-caught:
		assert.Equal(t, "boom", v)
	case <-time.After(time.Second):
		t.Fatal("panic handler never ran")
	}

	// The pool keeps working after a panicking job.
	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))

	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPool_CloseDrainsQueueThenRejects(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 8})

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}

	p.Close()

	assert.Equal(t, int64(5), ran.Load())
	assert.ErrorIs(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	}), ErrPoolClosed)
}

func TestWorkerPool_ConcurrentSubmitAndClose(t *testing.T) {
	// Submitters race Close; a submit must settle as accepted, ErrPoolFull,
	// or ErrPoolClosed, never a send on the closed job channel.
	for i := 0; i < 50; i++ {
		p := New(Config{MaxWorkers: 2, QueueSize: 4})

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := p.Submit(context.Background(), func(ctx context.Context) error {
						return nil
					})
					if errors.Is(err, ErrPoolClosed) {
						return
					}
				}
			}()
		}

		p.Close()
		wg.Wait()
	}
}

func TestWorkerPool_JobReceivesSubmitContext(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "payload")

	got := make(chan any, 1)
	require.NoError(t, p.Submit(ctx, func(ctx context.Context) error {
		got <- ctx.Value(ctxKey{})
		return nil
	}))

	select {
	case v := <-got:
		assert.Equal(t, "payload", v)
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}
