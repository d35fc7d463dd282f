package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/task"
)

// setupGormArchive opens a named in-memory database; the shared cache
// keeps every pooled connection on the same schema.
func setupGormArchive(t *testing.T) *GormArchive {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		Name:   fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	}
	arch, err := NewGormArchive(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	return arch
}

func TestOpenDatabase_DriverValidation(t *testing.T) {
	_, err := openDatabase(config.DatabaseConfig{})
	assert.Error(t, err)

	_, err = openDatabase(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestGormArchive_TaskRoundtripAndUpsert(t *testing.T) {
	arch := setupGormArchive(t)
	ctx := context.Background()

	at, err := NewArchivedTask(terminalTask("g-1", task.StatusCompleted, "alice"))
	require.NoError(t, err)
	require.NoError(t, arch.SaveTask(ctx, at))

	got, err := arch.GetTask(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.AgentID)
	assert.Equal(t, string(task.StatusCompleted), got.Status)

	rehydrated, err := got.Task()
	require.NoError(t, err)
	assert.Equal(t, "summarize the incident report", rehydrated.Description)

	// Saving the same ID again replaces the row.
	redo, err := NewArchivedTask(terminalTask("g-1", task.StatusFailed, "alice"))
	require.NoError(t, err)
	require.NoError(t, arch.SaveTask(ctx, redo))

	got, err = arch.GetTask(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, string(task.StatusFailed), got.Status)

	stats, err := arch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Tasks)

	_, err = arch.GetTask(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormArchive_ListTasksFilters(t *testing.T) {
	arch := setupGormArchive(t)
	ctx := context.Background()

	base := time.Now().Add(-10 * time.Minute)
	seed := []*ArchivedTask{
		{ID: "g-f1", Status: "completed", AgentID: "alice", ArchivedAt: base},
		{ID: "g-f2", Status: "failed", AgentID: "alice", ArchivedAt: base.Add(time.Minute)},
		{ID: "g-f3", Status: "completed", AgentID: "bob", ArchivedAt: base.Add(2 * time.Minute)},
	}
	for _, at := range seed {
		require.NoError(t, arch.SaveTask(ctx, at))
	}

	all, err := arch.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "g-f1", all[0].ID)
	assert.Equal(t, "g-f3", all[2].ID)

	alice, err := arch.ListTasks(ctx, TaskFilter{AgentID: "alice", Status: []string{"failed"}})
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "g-f2", alice[0].ID)

	limited, err := arch.ListTasks(ctx, TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGormArchive_RecordsKeepInsertionOrder(t *testing.T) {
	arch := setupGormArchive(t)
	ctx := context.Background()

	agents := []string{"alice", "bob", "alice", "carol"}
	for i, agent := range agents {
		require.NoError(t, arch.SaveRecord(ctx, sampleRecord(agent, "t", float64(i)/10)))
	}

	records, err := arch.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, len(agents))
	for i, rec := range records {
		assert.Equal(t, agents[i], rec.AgentID, "record %d out of order", i)
	}
}

func TestGormArchive_Cleanup(t *testing.T) {
	arch := setupGormArchive(t)
	ctx := context.Background()

	stale := &ArchivedTask{ID: "g-old", Status: "completed", ArchivedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &ArchivedTask{ID: "g-new", Status: "completed", ArchivedAt: time.Now()}
	require.NoError(t, arch.SaveTask(ctx, stale))
	require.NoError(t, arch.SaveTask(ctx, fresh))

	require.NoError(t, arch.SaveRecord(ctx, sampleRecord("alice", "t1", 0.5)))
	require.NoError(t, arch.SaveRecord(ctx, sampleRecord("bob", "t2", 0.7)))

	// Age one record past the retention window.
	err := arch.pm.DB().Model(&ArchivedRecord{}).
		Where("agent_id = ?", "alice").
		Update("archived_at", time.Now().Add(-2*time.Hour)).Error
	require.NoError(t, err)

	removed, err := arch.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = arch.GetTask(ctx, "g-old")
	assert.ErrorIs(t, err, ErrNotFound)

	records, err := arch.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "bob", records[0].AgentID)
}

func TestGormArchive_Stats(t *testing.T) {
	arch := setupGormArchive(t)
	ctx := context.Background()

	for _, at := range []*ArchivedTask{
		{ID: "g-s1", Status: "completed"},
		{ID: "g-s2", Status: "failed"},
		{ID: "g-s3", Status: "failed"},
	} {
		require.NoError(t, arch.SaveTask(ctx, at))
	}
	require.NoError(t, arch.SaveRecord(ctx, sampleRecord("alice", "t", 0.2)))

	stats, err := arch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Tasks)
	assert.Equal(t, int64(1), stats.Records)
	assert.Equal(t, int64(1), stats.StatusCounts["completed"])
	assert.Equal(t, int64(2), stats.StatusCounts["failed"])
}

func TestGormArchive_Closed(t *testing.T) {
	arch := setupGormArchive(t)
	require.NoError(t, arch.Close())
	require.NoError(t, arch.Close())

	ctx := context.Background()

	assert.ErrorIs(t, arch.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, arch.SaveTask(ctx, &ArchivedTask{ID: "x"}), ErrStoreClosed)

	_, err := arch.ListTasks(ctx, TaskFilter{})
	assert.ErrorIs(t, err, ErrStoreClosed)
}
