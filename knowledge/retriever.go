// Package knowledge wraps the retrieval collaborator. Passage content flows
// through uninterpreted; the wrapper only adds per-call deadlines, a default
// passage count, and an optional Redis cache keyed by query.
package knowledge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// Stats counts retrieval activity since startup.
type Stats struct {
	Queries     uint64 `json:"queries"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
	Failures    uint64 `json:"failures"`
}

// Service fronts the retrieval collaborator. The call runs in its own
// goroutine under a deadline, so a stuck retriever never hangs a caller.
type Service struct {
	cfg    config.KnowledgeConfig
	inner  types.Retriever
	cache  PassageCache
	logger *zap.Logger

	queries  atomic.Uint64
	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
}

// NewService creates the retrieval front. cache may be nil to disable
// caching regardless of configuration.
func NewService(cfg config.KnowledgeConfig, inner types.Retriever, cache PassageCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 10 * time.Second
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if !cfg.CacheEnabled {
		cache = nil
	}
	return &Service{
		cfg:    cfg,
		inner:  inner,
		cache:  cache,
		logger: logger.With(zap.String("component", "knowledge")),
	}
}

// Retrieve returns ranked passages for the query. topK <= 0 uses the
// configured default. Cache failures degrade to a direct call, never an
// error.
func (s *Service) Retrieve(ctx context.Context, query string, topK int) ([]types.Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("retrieval query must not be empty")
	}
	s.queries.Add(1)
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	key := cacheKey(query, topK)
	if s.cache != nil {
		passages, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			s.hits.Add(1)
			return passages, nil
		case errors.Is(err, ErrCacheMiss):
			s.misses.Add(1)
		default:
			s.misses.Add(1)
			s.logger.Warn("passage cache read failed", zap.Error(err))
		}
	}

	passages, err := s.call(ctx, query, topK)
	if err != nil {
		s.failures.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewTimeoutError("retrieval", err)
		}
		return nil, fmt.Errorf("retrieve passages: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, passages, 0); err != nil {
			s.logger.Warn("passage cache write failed", zap.Error(err))
		}
	}
	return passages, nil
}

// call invokes the collaborator under the configured deadline in its own
// goroutine; the deadline wins against a retriever that ignores its context.
func (s *Service) call(ctx context.Context, query string, topK int) ([]types.Passage, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalTimeout)
	defer cancel()

	type reply struct {
		passages []types.Passage
		err      error
	}
	done := make(chan reply, 1)
	go func() {
		passages, err := s.inner.Retrieve(callCtx, query, topK)
		done <- reply{passages: passages, err: err}
	}()

	select {
	case r := <-done:
		return r.passages, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

// Stats returns the retrieval counters.
func (s *Service) Stats() Stats {
	return Stats{
		Queries:     s.queries.Load(),
		CacheHits:   s.hits.Load(),
		CacheMisses: s.misses.Load(),
		Failures:    s.failures.Load(),
	}
}

// cacheKey derives a bounded Redis key from the query text and count.
func cacheKey(query string, topK int) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("agenthive:passages:%d:%x", topK, sum[:12])
}
