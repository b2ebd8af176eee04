package ingest

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(&Run{})
}

func (r *Repo) CreateRun(ctx context.Context, run *Run) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repo) GetRunByID(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRunsByChat returns runs in DESC id order (newest -> oldest).
func (r *Repo) ListRunsByChat(ctx context.Context, chatID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []Run
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// ClaimRun moves a queued run to running. It reports false when the run
// was already claimed, e.g. on a redelivered message.
func (r *Repo) ClaimRun(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", id, RunQueued).
		Updates(map[string]any{
			"status":     RunRunning,
			"started_at": &now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RequeueRun hands a claimed run back to the queue when it could not be
// started.
func (r *Repo) RequeueRun(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", id, RunRunning).
		Updates(map[string]any{
			"status":     RunQueued,
			"started_at": nil,
		}).Error
}

func (r *Repo) MarkRunSucceeded(ctx context.Context, id string, totalRows int64, table string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      RunSucceeded,
			"total_rows":  totalRows,
			"table_name":  table,
			"error":       nil,
			"finished_at": &now,
		}).Error
}

func (r *Repo) MarkRunFailed(ctx context.Context, id string, totalRows int64, table, errMsg string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      RunFailed,
			"total_rows":  totalRows,
			"table_name":  table,
			"error":       errMsg,
			"finished_at": &now,
		}).Error
}
