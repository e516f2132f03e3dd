package repository

import (
	"context"
	"errors"

	"offlinesync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrZoneNotFound = errors.New("安全区域不存在或不属于该用户")

type ZoneRepository struct {
	db *gorm.DB
}

func NewZoneRepository(db *gorm.DB) *ZoneRepository {
	return &ZoneRepository{db: db}
}

func (r *ZoneRepository) GetByID(ctx context.Context, zoneID string) (*model.SafeZone, error) {
	var zone model.SafeZone
	err := r.db.WithContext(ctx).Where("id = ?", zoneID).First(&zone).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrZoneNotFound
		}
		return nil, err
	}
	return &zone, nil
}

func (r *ZoneRepository) GetOwned(ctx context.Context, zoneID, userID string) (*model.SafeZone, error) {
	zone, err := r.GetByID(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	if zone.UserID != userID {
		return nil, ErrZoneNotFound
	}
	return zone, nil
}

// CreateIfAbsent 以 zone.ID 为幂等键创建区域
func (r *ZoneRepository) CreateIfAbsent(ctx context.Context, zone *model.SafeZone) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(zone).Error
}

// ApplyUpdates 合并区域设置，name 字段同时写入 name 列
func (r *ZoneRepository) ApplyUpdates(ctx context.Context, zoneID string, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var zone model.SafeZone
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", zoneID).
			First(&zone).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrZoneNotFound
			}
			return err
		}

		columns := map[string]interface{}{
			"settings": mergeJSONMap(zone.Settings, updates),
		}
		if name, ok := updates["name"].(string); ok {
			columns["name"] = name
		}
		return tx.Model(&model.SafeZone{}).Where("id = ?", zoneID).Updates(columns).Error
	})
}

// ZoneFromUpdates 用创建参数构造新区域
func ZoneFromUpdates(zoneID, userID string, updates map[string]interface{}) *model.SafeZone {
	zone := &model.SafeZone{
		ID:       zoneID,
		UserID:   userID,
		Settings: mergeJSONMap(nil, updates),
	}
	if name, ok := updates["name"].(string); ok {
		zone.Name = name
	}
	return zone
}
