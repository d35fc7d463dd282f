package store

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agenthive/incentive"
)

// MemoryArchive is an in-memory Archive. Suitable for development and
// testing. Data is lost on restart.
type MemoryArchive struct {
	mu      sync.RWMutex
	tasks   map[string]*ArchivedTask
	records []*ArchivedRecord
	nextSeq int64
	closed  bool
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		tasks:   make(map[string]*ArchivedTask),
		nextSeq: 1,
	}
}

// Close closes the archive.
func (s *MemoryArchive) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the archive is usable.
func (s *MemoryArchive) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveTask stores or replaces an archived task.
func (s *MemoryArchive) SaveTask(ctx context.Context, at *ArchivedTask) error {
	if at == nil || at.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if at.ArchivedAt.IsZero() {
		at.ArchivedAt = time.Now()
	}

	s.tasks[at.ID] = at
	return nil
}

// GetTask retrieves an archived task by ID.
func (s *MemoryArchive) GetTask(ctx context.Context, taskID string) (*ArchivedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	at, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return at, nil
}

// ListTasks retrieves archived tasks matching the filter.
func (s *MemoryArchive) ListTasks(ctx context.Context, filter TaskFilter) ([]*ArchivedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*ArchivedTask, 0)
	for _, at := range s.tasks {
		if taskMatches(at, filter) {
			result = append(result, at)
		}
	}

	sortByArchiveTime(result)
	return applyLimit(result, filter.Limit), nil
}

// SaveRecord appends an incentive record to the archive log.
func (s *MemoryArchive) SaveRecord(ctx context.Context, rec incentive.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	ar := newArchivedRecord(rec)
	ar.Seq = s.nextSeq
	s.nextSeq++
	s.records = append(s.records, ar)
	return nil
}

// ListRecords returns all archived records in insertion order.
func (s *MemoryArchive) ListRecords(ctx context.Context) ([]incentive.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]incentive.Record, 0, len(s.records))
	for _, ar := range s.records {
		out = append(out, ar.Record())
	}
	return out, nil
}

// Cleanup removes entries archived before the cutoff.
func (s *MemoryArchive) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0

	for id, at := range s.tasks {
		if at.ArchivedAt.Before(cutoff) {
			delete(s.tasks, id)
			count++
		}
	}

	kept := s.records[:0]
	for _, ar := range s.records {
		if ar.ArchivedAt.Before(cutoff) {
			count++
			continue
		}
		kept = append(kept, ar)
	}
	s.records = kept

	return count, nil
}

// Stats summarizes archive contents.
func (s *MemoryArchive) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{
		Tasks:        int64(len(s.tasks)),
		Records:      int64(len(s.records)),
		StatusCounts: make(map[string]int64),
	}
	for _, at := range s.tasks {
		stats.StatusCounts[at.Status]++
	}
	return stats, nil
}

// Ensure MemoryArchive implements Archive
var _ Archive = (*MemoryArchive)(nil)
