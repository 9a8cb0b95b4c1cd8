package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yieldvault/distribution-engine/internal/model"
)

// GormBatchStore implements BatchStore on PostgreSQL through gorm.
type GormBatchStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewGormBatchStore creates a gorm-backed batch store.
func NewGormBatchStore(db *gorm.DB, logger *slog.Logger) *GormBatchStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormBatchStore{db: db, logger: logger}
}

// Migrate creates the batch and task tables and their indexes.
func (s *GormBatchStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&batchRow{}, &taskRow{}); err != nil {
		return err
	}
	stmts := []string{
		`create index if not exists idx_distribution_batches_started on distribution_batches(started_at desc);`,
		`create index if not exists idx_distribution_tasks_batch on distribution_tasks(batch_id, seq);`,
		`create index if not exists idx_distribution_tasks_status on distribution_tasks(status, updated_at desc);`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return s.logError("distribution_batch_store_index_failed", err, "sql", stmt)
		}
	}
	return nil
}

func (s *GormBatchStore) SaveBatch(ctx context.Context, b *model.DistributionBatch) error {
	row := batchRowFromModel(b)
	tasks := make([]taskRow, 0, len(b.Tasks))
	for i, t := range b.Tasks {
		tasks = append(tasks, taskRowFromModel(t, b.ID, i))
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&tasks, 500).Error
	})
	if err != nil {
		return s.logError("distribution_batch_store_save_failed", err,
			"batch_id", b.ID,
			"task_count", len(tasks),
		)
	}
	return nil
}

func (s *GormBatchStore) GetBatch(ctx context.Context, id string) (*model.DistributionBatch, error) {
	var row batchRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.logError("distribution_batch_store_get_failed", err, "batch_id", id)
	}
	batches, err := s.withTasks(ctx, []batchRow{row})
	if err != nil {
		return nil, err
	}
	return &batches[0], nil
}

func (s *GormBatchStore) ListRecentBatches(ctx context.Context, limit int) ([]model.DistributionBatch, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []batchRow
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, s.logError("distribution_batch_store_list_recent_failed", err, "limit", limit)
	}
	return s.withTasks(ctx, rows)
}

func (s *GormBatchStore) ListFailedTasks(ctx context.Context, batchID string, limit int) ([]model.DistributionTask, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("status = ?", string(model.TaskFailed))
	if batchID != "" {
		q = q.Where("batch_id = ?", batchID)
	}
	var rows []taskRow
	if err := q.Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, s.logError("distribution_batch_store_list_failed_tasks_failed", err,
			"batch_id", batchID,
			"limit", limit,
		)
	}
	tasks := make([]model.DistributionTask, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toModel())
	}
	return tasks, nil
}

func (s *GormBatchStore) ListUnfinishedBatches(ctx context.Context, maxRetries int) ([]model.DistributionBatch, error) {
	db := s.db.WithContext(ctx)
	pending := db.Model(&taskRow{}).
		Select("batch_id").
		Where("status IN ? OR (status = ? AND retry_count < ?)",
			[]string{string(model.TaskPending), string(model.TaskProcessing)},
			string(model.TaskFailed), maxRetries)

	var rows []batchRow
	if err := db.
		Where("status = ?", string(model.BatchProcessing)).
		Or("id IN (?)", pending).
		Order("started_at ASC").
		Find(&rows).Error; err != nil {
		return nil, s.logError("distribution_batch_store_list_unfinished_failed", err)
	}
	return s.withTasks(ctx, rows)
}

func (s *GormBatchStore) Stats(ctx context.Context) (model.DistributionStats, error) {
	var agg struct {
		TotalBatches     int64
		TotalDistributed decimal.Decimal
		LastDistribution *time.Time
	}
	db := s.db.WithContext(ctx)
	if err := db.Raw(`
select (select count(*) from distribution_batches) as total_batches,
       (select coalesce(sum(amount), 0) from distribution_tasks where transferred) as total_distributed,
       (select max(completed_at) from distribution_batches) as last_distribution`).Scan(&agg).Error; err != nil {
		return model.DistributionStats{}, s.logError("distribution_batch_store_stats_failed", err)
	}

	var counts []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&taskRow{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return model.DistributionStats{}, s.logError("distribution_batch_store_task_counts_failed", err)
	}

	stats := model.DistributionStats{
		TotalDistributed: agg.TotalDistributed,
		TotalBatches:     int(agg.TotalBatches),
		LastDistribution: agg.LastDistribution,
	}
	completed := 0
	for _, c := range counts {
		switch model.TaskStatus(c.Status) {
		case model.TaskCompleted:
			completed = int(c.Count)
		case model.TaskFailed:
			stats.FailedTasks = int(c.Count)
		case model.TaskPending, model.TaskProcessing:
			stats.PendingTasks += int(c.Count)
		}
	}
	stats.SuccessRate = model.SuccessRate(completed, stats.FailedTasks)
	return stats, nil
}

// withTasks loads the task lists of the given batches in one query.
func (s *GormBatchStore) withTasks(ctx context.Context, rows []batchRow) ([]model.DistributionBatch, error) {
	batches := make([]model.DistributionBatch, 0, len(rows))
	if len(rows) == 0 {
		return batches, nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}

	var tasks []taskRow
	if err := s.db.WithContext(ctx).
		Where("batch_id IN ?", ids).
		Order("batch_id, seq").
		Find(&tasks).Error; err != nil {
		return nil, s.logError("distribution_batch_store_load_tasks_failed", err, "batch_count", len(ids))
	}
	byBatch := make(map[string][]model.DistributionTask, len(rows))
	for _, t := range tasks {
		byBatch[t.BatchID] = append(byBatch[t.BatchID], t.toModel())
	}

	for _, r := range rows {
		b := r.toModel()
		b.Tasks = byBatch[r.ID]
		batches = append(batches, b)
	}
	return batches, nil
}

func (s *GormBatchStore) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	s.logger.Error("distribution batch store operation failed", fields...)
	return err
}

// --- Rows ---

type batchRow struct {
	ID             string          `gorm:"column:id;primaryKey"`
	Kind           string          `gorm:"column:kind;not null"`
	BatchDate      time.Time       `gorm:"column:batch_date;not null"`
	TotalAmount    decimal.Decimal `gorm:"column:total_amount;type:numeric(36,18);not null"`
	TotalPositions int             `gorm:"column:total_positions;not null"`
	CompletedTasks int             `gorm:"column:completed_tasks;not null"`
	FailedTasks    int             `gorm:"column:failed_tasks;not null"`
	Status         string          `gorm:"column:status;index;not null"`
	FailureReason  string          `gorm:"column:failure_reason;type:text"`
	StartedAt      time.Time       `gorm:"column:started_at;not null"`
	CompletedAt    *time.Time      `gorm:"column:completed_at"`
}

func (batchRow) TableName() string { return "distribution_batches" }

func batchRowFromModel(b *model.DistributionBatch) batchRow {
	return batchRow{
		ID:             b.ID,
		Kind:           string(b.Kind),
		BatchDate:      b.Date,
		TotalAmount:    b.TotalAmount,
		TotalPositions: b.TotalPositions,
		CompletedTasks: b.CompletedTasks,
		FailedTasks:    b.FailedTasks,
		Status:         string(b.Status),
		FailureReason:  b.FailureReason,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
	}
}

func (r batchRow) toModel() model.DistributionBatch {
	return model.DistributionBatch{
		ID:             r.ID,
		Kind:           model.BatchKind(r.Kind),
		Date:           r.BatchDate,
		TotalAmount:    r.TotalAmount,
		TotalPositions: r.TotalPositions,
		CompletedTasks: r.CompletedTasks,
		FailedTasks:    r.FailedTasks,
		Status:         model.BatchStatus(r.Status),
		FailureReason:  r.FailureReason,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

type taskRow struct {
	ID            string          `gorm:"column:id;primaryKey"`
	BatchID       string          `gorm:"column:batch_id;not null"`
	Seq           int             `gorm:"column:seq;not null"`
	PositionID    string          `gorm:"column:position_id;not null"`
	UserID        string          `gorm:"column:user_id;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(36,18);not null"`
	Status        string          `gorm:"column:status;not null"`
	RetryCount    int             `gorm:"column:retry_count;not null;default:0"`
	FailureReason string          `gorm:"column:failure_reason;type:text"`
	SettlementRef string          `gorm:"column:settlement_ref"`
	PayoutID      string          `gorm:"column:payout_id"`
	Transferred   bool            `gorm:"column:transferred;not null;default:false"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;not null"`
}

func (taskRow) TableName() string { return "distribution_tasks" }

func taskRowFromModel(t model.DistributionTask, batchID string, seq int) taskRow {
	return taskRow{
		ID:            t.ID,
		BatchID:       batchID,
		Seq:           seq,
		PositionID:    t.PositionID,
		UserID:        t.UserID,
		Amount:        t.Amount,
		Status:        string(t.Status),
		RetryCount:    t.RetryCount,
		FailureReason: t.FailureReason,
		SettlementRef: t.SettlementRef,
		PayoutID:      t.PayoutID,
		Transferred:   t.Transferred,
		UpdatedAt:     t.UpdatedAt,
	}
}

func (r taskRow) toModel() model.DistributionTask {
	return model.DistributionTask{
		ID:            r.ID,
		BatchID:       r.BatchID,
		PositionID:    r.PositionID,
		UserID:        r.UserID,
		Amount:        r.Amount,
		Status:        model.TaskStatus(r.Status),
		RetryCount:    r.RetryCount,
		FailureReason: r.FailureReason,
		SettlementRef: r.SettlementRef,
		PayoutID:      r.PayoutID,
		Transferred:   r.Transferred,
		UpdatedAt:     r.UpdatedAt,
	}
}

var (
	_ BatchStore = (*GormBatchStore)(nil)
	_ BatchStore = (*MemoryBatchStore)(nil)
	_ Store      = (*MemoryStore)(nil)
	_ Store      = (*PostgresStore)(nil)
	_ Store      = (*CachedStore)(nil)
)
