package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/task"
)

const redisKeyPrefix = "agenthive:archive:"

// mgetBatch bounds how many record keys one MGET fetches.
const mgetBatch = 200

// RedisArchive is a Redis-backed Archive for distributed deployments.
// Task data lives in plain keys with sorted-set indexes by archive time,
// status, and agent; records live in a sequence-ordered sorted set so
// replay preserves insertion order.
type RedisArchive struct {
	client *redis.Client
	mu     sync.RWMutex
	closed bool
}

// NewRedisArchive connects to Redis and verifies the connection.
func NewRedisArchive(cfg config.RedisConfig) (*RedisArchive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisArchive{client: client}, nil
}

// Close closes the archive.
func (s *RedisArchive) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ping checks if the archive is healthy.
func (s *RedisArchive) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisArchive) taskKey(taskID string) string {
	return redisKeyPrefix + "task:data:" + taskID
}

func (s *RedisArchive) taskIndexKey() string {
	return redisKeyPrefix + "task:all"
}

func (s *RedisArchive) statusKey(status string) string {
	return redisKeyPrefix + "task:status:" + status
}

func (s *RedisArchive) agentKey(agentID string) string {
	return redisKeyPrefix + "task:agent:" + agentID
}

func (s *RedisArchive) recordKey(member string) string {
	return redisKeyPrefix + "record:data:" + member
}

func (s *RedisArchive) recordIndexKey() string {
	return redisKeyPrefix + "record:index"
}

func (s *RedisArchive) recordSeqKey() string {
	return redisKeyPrefix + "record:seq"
}

// recordMember is zero-padded so lexical and numeric order agree.
func recordMember(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

// SaveTask persists an archived task and its indexes.
func (s *RedisArchive) SaveTask(ctx context.Context, at *ArchivedTask) error {
	if at == nil || at.ID == "" {
		return ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	if at.ArchivedAt.IsZero() {
		at.ArchivedAt = time.Now()
	}

	// Old copy is needed to move the status index on re-archive.
	old, _ := s.getTask(ctx, at.ID)

	data, err := json.Marshal(at)
	if err != nil {
		return fmt.Errorf("failed to marshal archived task: %w", err)
	}

	score := float64(at.ArchivedAt.UnixNano())

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.taskKey(at.ID), data, 0)
	if old != nil && old.Status != at.Status {
		pipe.ZRem(ctx, s.statusKey(old.Status), at.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(at.Status), redis.Z{Score: score, Member: at.ID})
	pipe.ZAdd(ctx, s.taskIndexKey(), redis.Z{Score: score, Member: at.ID})
	if at.AgentID != "" {
		pipe.ZAdd(ctx, s.agentKey(at.AgentID), redis.Z{Score: score, Member: at.ID})
	}

	_, err = pipe.Exec(ctx)
	return err
}

// GetTask retrieves an archived task by ID.
func (s *RedisArchive) GetTask(ctx context.Context, taskID string) (*ArchivedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.getTask(ctx, taskID)
}

func (s *RedisArchive) getTask(ctx context.Context, taskID string) (*ArchivedTask, error) {
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var at ArchivedTask
	if err := json.Unmarshal(data, &at); err != nil {
		return nil, err
	}
	return &at, nil
}

// ListTasks retrieves archived tasks matching the filter.
func (s *RedisArchive) ListTasks(ctx context.Context, filter TaskFilter) ([]*ArchivedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		ids []string
		err error
	)

	// Narrowest index first.
	switch {
	case len(filter.Status) == 1:
		ids, err = s.client.ZRange(ctx, s.statusKey(filter.Status[0]), 0, -1).Result()
	case filter.AgentID != "":
		ids, err = s.client.ZRange(ctx, s.agentKey(filter.AgentID), 0, -1).Result()
	default:
		ids, err = s.client.ZRange(ctx, s.taskIndexKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*ArchivedTask, 0, len(ids))
	for _, id := range ids {
		at, err := s.getTask(ctx, id)
		if err != nil {
			continue
		}
		if taskMatches(at, filter) {
			result = append(result, at)
		}
	}

	sortByArchiveTime(result)
	return applyLimit(result, filter.Limit), nil
}

// SaveRecord appends an incentive record to the archive log.
func (s *RedisArchive) SaveRecord(ctx context.Context, rec incentive.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	seq, err := s.client.Incr(ctx, s.recordSeqKey()).Result()
	if err != nil {
		return err
	}

	ar := newArchivedRecord(rec)
	ar.Seq = seq

	data, err := json.Marshal(ar)
	if err != nil {
		return fmt.Errorf("failed to marshal archived record: %w", err)
	}

	member := recordMember(seq)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(member), data, 0)
	pipe.ZAdd(ctx, s.recordIndexKey(), redis.Z{Score: float64(seq), Member: member})
	_, err = pipe.Exec(ctx)
	return err
}

// ListRecords returns all archived records in insertion order.
func (s *RedisArchive) ListRecords(ctx context.Context) ([]incentive.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	members, err := s.client.ZRange(ctx, s.recordIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]incentive.Record, 0, len(members))
	for start := 0; start < len(members); start += mgetBatch {
		end := start + mgetBatch
		if end > len(members) {
			end = len(members)
		}

		keys := make([]string, 0, end-start)
		for _, m := range members[start:end] {
			keys = append(keys, s.recordKey(m))
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}

		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var ar ArchivedRecord
			if err := json.Unmarshal([]byte(raw), &ar); err != nil {
				continue
			}
			out = append(out, ar.Record())
		}
	}

	return out, nil
}

// Cleanup removes entries archived before the cutoff.
func (s *RedisArchive) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan).UnixNano()
	count := 0

	// Expired tasks sit below the cutoff in the time-scored index.
	ids, err := s.client.ZRangeByScore(ctx, s.taskIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.deleteTask(ctx, id); err == nil {
			count++
		}
	}

	// The record index is sequence-scored, so age lives in the payload.
	members, err := s.client.ZRange(ctx, s.recordIndexKey(), 0, -1).Result()
	if err != nil {
		return count, err
	}
	for _, member := range members {
		data, err := s.client.Get(ctx, s.recordKey(member)).Bytes()
		if err == redis.Nil {
			s.client.ZRem(ctx, s.recordIndexKey(), member)
			continue
		}
		if err != nil {
			continue
		}

		var ar ArchivedRecord
		if err := json.Unmarshal(data, &ar); err != nil {
			continue
		}
		if ar.ArchivedAt.UnixNano() >= cutoff {
			// Records are appended in time order; the rest are newer.
			break
		}

		pipe := s.client.Pipeline()
		pipe.Del(ctx, s.recordKey(member))
		pipe.ZRem(ctx, s.recordIndexKey(), member)
		if _, err := pipe.Exec(ctx); err == nil {
			count++
		}
	}

	return count, nil
}

func (s *RedisArchive) deleteTask(ctx context.Context, taskID string) error {
	at, err := s.getTask(ctx, taskID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.taskKey(taskID))
	pipe.ZRem(ctx, s.statusKey(at.Status), taskID)
	pipe.ZRem(ctx, s.taskIndexKey(), taskID)
	if at.AgentID != "" {
		pipe.ZRem(ctx, s.agentKey(at.AgentID), taskID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Stats summarizes archive contents.
func (s *RedisArchive) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{StatusCounts: make(map[string]int64)}

	tasks, err := s.client.ZCard(ctx, s.taskIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.Tasks = tasks

	records, err := s.client.ZCard(ctx, s.recordIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.Records = records

	for _, status := range []string{string(task.StatusCompleted), string(task.StatusFailed)} {
		n, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
		if err != nil {
			continue
		}
		if n > 0 {
			stats.StatusCounts[status] = n
		}
	}

	return stats, nil
}

// Ensure RedisArchive implements Archive
var _ Archive = (*RedisArchive)(nil)
