package repository

import (
	"context"

	"offlinesync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ActivityRepository struct {
	db *gorm.DB
}

func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// CreateIfAbsent 以 activity.ID 为幂等键写入
func (r *ActivityRepository) CreateIfAbsent(ctx context.Context, activity *model.UserActivity) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(activity).Error
}

func (r *ActivityRepository) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.UserActivity, error) {
	var activities []*model.UserActivity
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&activities).Error
	return activities, err
}
