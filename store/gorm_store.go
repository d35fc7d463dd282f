package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/incentive"
	"github.com/BaSui01/agenthive/internal/database"
)

// cleanupTxRetries bounds transaction retries for the cleanup sweep.
const cleanupTxRetries = 3

// GormArchive is a SQL-backed Archive using GORM. The driver switch
// covers postgres, mysql, and the pure-Go sqlite build.
type GormArchive struct {
	pm     *database.PoolManager
	logger *zap.Logger
	closed atomic.Bool
}

// NewGormArchive opens the configured database, migrates the archive
// schema, and wraps the connection pool.
func NewGormArchive(cfg config.DatabaseConfig, logger *zap.Logger) (*GormArchive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&ArchivedTask{}, &ArchivedRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	pm, err := database.NewPoolManager(db, database.FromConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	logger.Info("sql archive connected", zap.String("driver", cfg.Driver))

	return &GormArchive{
		pm:     pm,
		logger: logger.With(zap.String("component", "sql_archive")),
	}, nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	case "":
		return nil, fmt.Errorf("database driver not configured")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return db, nil
}

// Close closes the archive and its connection pool.
func (s *GormArchive) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pm.Close()
}

// Ping checks database connectivity.
func (s *GormArchive) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.pm.Ping(ctx)
}

// SaveTask stores or replaces an archived task.
func (s *GormArchive) SaveTask(ctx context.Context, at *ArchivedTask) error {
	if at == nil || at.ID == "" {
		return ErrInvalidInput
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	if at.ArchivedAt.IsZero() {
		at.ArchivedAt = time.Now()
	}

	return s.pm.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(at).Error
}

// GetTask retrieves an archived task by ID.
func (s *GormArchive) GetTask(ctx context.Context, taskID string) (*ArchivedTask, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var at ArchivedTask
	err := s.pm.DB().WithContext(ctx).First(&at, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// ListTasks retrieves archived tasks matching the filter.
func (s *GormArchive) ListTasks(ctx context.Context, filter TaskFilter) ([]*ArchivedTask, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	q := s.pm.DB().WithContext(ctx).Model(&ArchivedTask{})
	if len(filter.Status) > 0 {
		q = q.Where("status IN ?", filter.Status)
	}
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	q = q.Order("archived_at ASC, id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var tasks []*ArchivedTask
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveRecord appends an incentive record to the archive log.
func (s *GormArchive) SaveRecord(ctx context.Context, rec incentive.Record) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.pm.DB().WithContext(ctx).Create(newArchivedRecord(rec)).Error
}

// ListRecords returns all archived records in insertion order.
func (s *GormArchive) ListRecords(ctx context.Context) ([]incentive.Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var rows []ArchivedRecord
	if err := s.pm.DB().WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]incentive.Record, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Record())
	}
	return out, nil
}

// Cleanup removes entries archived before the cutoff. Both tables are
// swept in one transaction so a partial sweep cannot skew stats.
func (s *GormArchive) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	var removed int64

	err := s.pm.WithTransactionRetry(ctx, cleanupTxRetries, func(tx *gorm.DB) error {
		res := tx.Where("archived_at < ?", cutoff).Delete(&ArchivedTask{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected

		res = tx.Where("archived_at < ?", cutoff).Delete(&ArchivedRecord{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}

	return int(removed), nil
}

// Stats summarizes archive contents.
func (s *GormArchive) Stats(ctx context.Context) (*Stats, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	db := s.pm.DB().WithContext(ctx)
	stats := &Stats{StatusCounts: make(map[string]int64)}

	if err := db.Model(&ArchivedTask{}).Count(&stats.Tasks).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&ArchivedRecord{}).Count(&stats.Records).Error; err != nil {
		return nil, err
	}

	var rows []struct {
		Status string
		N      int64
	}
	if err := db.Model(&ArchivedTask{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.StatusCounts[row.Status] = row.N
	}

	return stats, nil
}

// Ensure GormArchive implements Archive
var _ Archive = (*GormArchive)(nil)
