package repository

import (
	"context"
	"errors"
	"time"

	"offlinesync/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDeviceNotFound = errors.New("设备不存在或不属于该用户")

type DeviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) Create(ctx context.Context, device *model.Device) error {
	return r.db.WithContext(ctx).Create(device).Error
}

func (r *DeviceRepository) GetByID(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	err := r.db.WithContext(ctx).Where("id = ?", deviceID).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &device, nil
}

// GetOwned 设备不存在与属于其他用户返回同一个错误
func (r *DeviceRepository) GetOwned(ctx context.Context, deviceID, userID string) (*model.Device, error) {
	device, err := r.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.UserID != userID {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

// RecordReading 写入读数并刷新设备的最新读数
//
// 读数 ID 已存在时跳过插入，设备字段按读数覆盖，重复执行结果一致
func (r *DeviceRepository) RecordReading(ctx context.Context, reading *model.DeviceReading) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(reading).Error
		if err != nil {
			return err
		}

		return tx.Model(&model.Device{}).
			Where("id = ?", reading.DeviceID).
			Updates(map[string]interface{}{
				"last_reading":    reading.Reading,
				"last_reading_at": reading.ReadAt,
				"last_seen":       reading.SyncedAt,
			}).Error
	})
}

func (r *DeviceRepository) GetReading(ctx context.Context, readingID string) (*model.DeviceReading, error) {
	var reading model.DeviceReading
	err := r.db.WithContext(ctx).Where("id = ?", readingID).First(&reading).Error
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

func (r *DeviceRepository) CountReadings(ctx context.Context, deviceID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.DeviceReading{}).Where("device_id = ?", deviceID).Count(&count).Error
	return count, err
}

// MergeStatus 浅合并设备状态并刷新 last_seen
func (r *DeviceRepository) MergeStatus(ctx context.Context, deviceID string, status map[string]interface{}, seenAt time.Time) (map[string]interface{}, error) {
	var merged datatypes.JSONMap

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device model.Device
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", deviceID).
			First(&device).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}

		merged = mergeJSONMap(device.Status, status)
		return tx.Model(&model.Device{}).
			Where("id = ?", deviceID).
			Updates(map[string]interface{}{
				"status":    merged,
				"last_seen": seenAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}
