package repository

import (
	"context"
	"time"

	"github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceStatusRepository 设备状态仓储接口
// 每个接入的现金设备一行，主循环按tick更新
type DeviceStatusRepository interface {
	Upsert(ctx context.Context, status *models.DeviceStatus) error
	MarkDead(ctx context.Context, deviceName string) error
	FindByName(ctx context.Context, deviceName string) (*models.DeviceStatus, error)
	List(ctx context.Context) ([]*models.DeviceStatus, error)
	Stale(ctx context.Context, threshold time.Duration) ([]*models.DeviceStatus, error)
}

// deviceStatusRepo GORM实现
type deviceStatusRepo struct {
	db *gorm.DB
}

// NewDeviceStatusRepository 创建设备状态仓储
func NewDeviceStatusRepository(db *gorm.DB) DeviceStatusRepository {
	return &deviceStatusRepo{db: db}
}

// Upsert 以设备名为键写入或更新状态
func (r *deviceStatusRepo) Upsert(ctx context.Context, status *models.DeviceStatus) error {
	status.LastSeenAt = time.Now()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"driver", "mode", "dead", "last_seen_at", "extra",
			}),
		}).
		Create(status).Error
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return nil
}

// MarkDead 标记设备失联；判死不可恢复，不再更新last_seen_at
func (r *deviceStatusRepo) MarkDead(ctx context.Context, deviceName string) error {
	err := r.db.WithContext(ctx).
		Model(&models.DeviceStatus{}).
		Where("device_name = ?", deviceName).
		Update("dead", true).Error
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return nil
}

// FindByName 根据设备名查找
func (r *deviceStatusRepo) FindByName(ctx context.Context, deviceName string) (*models.DeviceStatus, error) {
	var status models.DeviceStatus
	err := r.db.WithContext(ctx).
		Where("device_name = ?", deviceName).
		First(&status).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return &status, nil
}

// List 列出全部设备状态
func (r *deviceStatusRepo) List(ctx context.Context) ([]*models.DeviceStatus, error) {
	var statuses []*models.DeviceStatus
	err := r.db.WithContext(ctx).
		Order("device_name").
		Find(&statuses).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return statuses, nil
}

// Stale 超过时限未更新的设备
func (r *deviceStatusRepo) Stale(ctx context.Context, threshold time.Duration) ([]*models.DeviceStatus, error) {
	cutoff := time.Now().Add(-threshold)
	var statuses []*models.DeviceStatus
	err := r.db.WithContext(ctx).
		Where("dead = ? AND last_seen_at < ?", false, cutoff).
		Order("last_seen_at").
		Find(&statuses).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return statuses, nil
}
