package decision

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/BaSui01/agenthive/types"
)

// evalOutcome is the result of one guarded evaluation call.
type evalOutcome struct {
	value    float64
	timedOut bool
	err      error
}

// guardedEvaluator wraps the opaque evaluation collaborator with a per-call
// timeout and an optional rate limit. The search never blocks on a stuck
// evaluator: the call runs in its own goroutine and the deadline wins.
type guardedEvaluator struct {
	inner   types.Evaluator
	timeout time.Duration
	limiter *rate.Limiter
}

func newGuardedEvaluator(inner types.Evaluator, timeout time.Duration, rps float64) *guardedEvaluator {
	g := &guardedEvaluator{inner: inner, timeout: timeout}
	if rps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return g
}

// evaluate runs one evaluation. A deadline expiry reports timedOut rather
// than an error; cancellation of the parent context surfaces as an error.
func (g *guardedEvaluator) evaluate(ctx context.Context, state string) evalOutcome {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return evalOutcome{err: err}
		}
	}

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if g.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	defer cancel()

	type reply struct {
		value float64
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		v, err := g.inner.Evaluate(callCtx, state)
		done <- reply{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return evalOutcome{timedOut: true}
			}
			return evalOutcome{err: r.err}
		}
		return evalOutcome{value: clampValue(r.value)}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// the caller's context died, not the per-call deadline
			return evalOutcome{err: ctx.Err()}
		}
		return evalOutcome{timedOut: true}
	}
}

func clampValue(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
