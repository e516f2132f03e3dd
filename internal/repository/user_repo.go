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

var ErrProfileNotFound = errors.New("用户资料不存在")

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByUserID(ctx context.Context, userID string) (*model.UserProfile, error) {
	var profile model.UserProfile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// EnsureProfile 资料不存在时创建，已存在时不做任何修改
func (r *UserRepository) EnsureProfile(ctx context.Context, tx *gorm.DB, userID string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.UserProfile{UserID: userID}).Error
}

// SyncCounterDelta 汇总计数的增量，时间字段为 nil 时不修改
type SyncCounterDelta struct {
	Queued       int64
	Successful   int64
	Failed       int64
	LastQueuedAt *time.Time
	LastSyncAt   *time.Time
}

// AdjustSyncCounters 原子地调整汇总计数
//
// 使用 col = col + ? 表达式，并发的批处理不会丢失更新
func (r *UserRepository) AdjustSyncCounters(ctx context.Context, tx *gorm.DB, userID string, delta SyncCounterDelta) error {
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{}
	if delta.Queued != 0 {
		updates["sync_status_queued_actions"] = gorm.Expr("sync_status_queued_actions + ?", delta.Queued)
	}
	if delta.Successful != 0 {
		updates["sync_status_successful_syncs"] = gorm.Expr("sync_status_successful_syncs + ?", delta.Successful)
	}
	if delta.Failed != 0 {
		updates["sync_status_failed_syncs"] = gorm.Expr("sync_status_failed_syncs + ?", delta.Failed)
	}
	if delta.LastQueuedAt != nil {
		updates["sync_status_last_queued_at"] = *delta.LastQueuedAt
	}
	if delta.LastSyncAt != nil {
		updates["sync_status_last_sync_at"] = *delta.LastSyncAt
	}
	if len(updates) == 0 {
		return nil
	}

	result := tx.WithContext(ctx).
		Model(&model.UserProfile{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// 值未变化时部分驱动返回 0 行，需再确认资料是否存在
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.UserProfile{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// MergePreferences 浅合并偏好设置，同名字段后写覆盖先写
func (r *UserRepository) MergePreferences(ctx context.Context, userID string, prefs map[string]interface{}) (map[string]interface{}, error) {
	var merged datatypes.JSONMap

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.EnsureProfile(ctx, tx, userID); err != nil {
			return err
		}

		var profile model.UserProfile
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&profile).Error
		if err != nil {
			return err
		}

		merged = mergeJSONMap(profile.Preferences, prefs)
		return tx.Model(&model.UserProfile{}).
			Where("user_id = ?", userID).
			Update("preferences", merged).Error
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func mergeJSONMap(current datatypes.JSONMap, patch map[string]interface{}) datatypes.JSONMap {
	merged := datatypes.JSONMap{}
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
