// Package store archives terminal tasks and incentive records.
//
// The engine keeps live state in memory; the archive is the durable tail.
// Terminal tasks land here for audit and post-restart inspection, and the
// incentive record log lands here so scores can be rebuilt by replay.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Redis: for distributed deployments
// - Database: GORM-backed SQL (postgres, mysql, sqlite)
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/task"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType selects the archive backend.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
)

// RetryConfig defines retry behavior for archive writes.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the initial backoff duration (default: 1s)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration (default: 30s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration.
// Conservative strategy: max 3 retries with exponential backoff 1s/2s/4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry attempt.
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}

	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// ArchivedTask is the archived projection of a terminal task. The flattened
// columns serve queries; Payload keeps the complete task for rehydration.
type ArchivedTask struct {
	ID            string    `json:"id" gorm:"primaryKey;size:64"`
	Description   string    `json:"description"`
	Status        string    `json:"status" gorm:"size:16;index"`
	AgentID       string    `json:"agent_id,omitempty" gorm:"size:64;index"`
	ParentID      string    `json:"parent_id,omitempty" gorm:"size:64"`
	RetryOf       string    `json:"retry_of,omitempty" gorm:"size:64"`
	Attempt       int       `json:"attempt"`
	FailureKind   string    `json:"failure_kind,omitempty" gorm:"size:32"`
	QualitySignal float64   `json:"quality_signal"`
	LowConfidence bool      `json:"low_confidence"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at"`
	ArchivedAt    time.Time `json:"archived_at" gorm:"index"`
	Payload       []byte    `json:"payload,omitempty"`
}

// TableName pins the SQL table so migrations and GORM agree.
func (ArchivedTask) TableName() string { return "archived_tasks" }

// NewArchivedTask builds the archive row for a terminal task.
func NewArchivedTask(t *task.Task) (*ArchivedTask, error) {
	if t == nil {
		return nil, ErrInvalidInput
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is not terminal", ErrInvalidInput, t.ID)
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	at := &ArchivedTask{
		ID:          t.ID,
		Description: t.Description,
		Status:      string(t.Status),
		AgentID:     t.AssignedAgent,
		ParentID:    t.ParentID,
		RetryOf:     t.RetryOf,
		Attempt:     t.Attempt,
		FailureKind: t.FailureKind,
		CreatedAt:   t.CreatedAt,
		ArchivedAt:  time.Now(),
		Payload:     payload,
	}
	if t.Result != nil {
		at.QualitySignal = t.Result.QualitySignal
		at.LowConfidence = t.Result.LowConfidence
		at.CompletedAt = t.Result.CompletedAt
	}
	return at, nil
}

// Task rehydrates the archived task from its payload.
func (at *ArchivedTask) Task() (*task.Task, error) {
	if len(at.Payload) == 0 {
		return nil, fmt.Errorf("%w: archived task %s has no payload", ErrInvalidInput, at.ID)
	}
	var t task.Task
	if err := json.Unmarshal(at.Payload, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived task %s: %w", at.ID, err)
	}
	return &t, nil
}

// ArchivedRecord is the archived form of one incentive record. Seq is
// assigned by the backend and fixes the replay order.
type ArchivedRecord struct {
	Seq           int64     `json:"seq" gorm:"primaryKey;autoIncrement"`
	AgentID       string    `json:"agent_id" gorm:"size:64;index"`
	TaskID        string    `json:"task_id" gorm:"size:64"`
	RawScore      float64   `json:"raw_score"`
	AdjustedScore float64   `json:"adjusted_score"`
	RecordedAt    time.Time `json:"recorded_at"`
	ArchivedAt    time.Time `json:"archived_at" gorm:"index"`
}

// TableName pins the SQL table so migrations and GORM agree.
func (ArchivedRecord) TableName() string { return "archived_records" }

func newArchivedRecord(rec incentive.Record) *ArchivedRecord {
	return &ArchivedRecord{
		AgentID:       rec.AgentID,
		TaskID:        rec.TaskID,
		RawScore:      rec.RawScore,
		AdjustedScore: rec.AdjustedScore,
		RecordedAt:    rec.Timestamp,
		ArchivedAt:    time.Now(),
	}
}

// Record converts back to the incentive form.
func (r *ArchivedRecord) Record() incentive.Record {
	return incentive.Record{
		AgentID:       r.AgentID,
		TaskID:        r.TaskID,
		RawScore:      r.RawScore,
		AdjustedScore: r.AdjustedScore,
		Timestamp:     r.RecordedAt,
	}
}

// TaskFilter selects archived tasks.
type TaskFilter struct {
	// Status keeps tasks whose status is in the set (empty keeps all).
	Status []string
	// AgentID keeps tasks executed by the agent.
	AgentID string
	// Limit caps the result size (0 means no cap).
	Limit int
}

// Stats summarizes archive contents.
type Stats struct {
	Tasks        int64            `json:"tasks"`
	Records      int64            `json:"records"`
	StatusCounts map[string]int64 `json:"status_counts"`
}

// Archive persists terminal tasks and incentive records.
//
// Implementations return ErrStoreClosed after Close, ErrNotFound for
// missing tasks, and ErrInvalidInput for rejected writes. Listing orders
// tasks by archive time and records by their assigned sequence, so a
// replay over ListRecords reproduces the original scoring order.
type Archive interface {
	SaveTask(ctx context.Context, at *ArchivedTask) error
	GetTask(ctx context.Context, taskID string) (*ArchivedTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*ArchivedTask, error)

	SaveRecord(ctx context.Context, rec incentive.Record) error
	ListRecords(ctx context.Context) ([]incentive.Record, error)

	// Cleanup removes archived entries older than the given age and
	// returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	Stats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// taskMatches checks a task against the filter criteria.
func taskMatches(at *ArchivedTask, filter TaskFilter) bool {
	if filter.AgentID != "" && at.AgentID != filter.AgentID {
		return false
	}

	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if at.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// sortByArchiveTime orders tasks chronologically, ties broken by ID.
func sortByArchiveTime(tasks []*ArchivedTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].ArchivedAt.Equal(tasks[j].ArchivedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].ArchivedAt.Before(tasks[j].ArchivedAt)
	})
}

func applyLimit(tasks []*ArchivedTask, limit int) []*ArchivedTask {
	if limit > 0 && limit < len(tasks) {
		return tasks[:limit]
	}
	return tasks
}
