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

var (
	ErrActionNotFound      = errors.New("队列记录不存在")
	ErrActionStatusInvalid = errors.New("队列记录状态不合法")
)

type ActionRepository struct {
	db *gorm.DB
}

func NewActionRepository(db *gorm.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

func (r *ActionRepository) Create(ctx context.Context, tx *gorm.DB, action *model.ActionRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(action).Error
}

// CreateBatch 批量插入，调用方负责把它放进事务
func (r *ActionRepository) CreateBatch(ctx context.Context, tx *gorm.DB, actions []*model.ActionRecord) error {
	if len(actions) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).CreateInBatches(actions, 100).Error
}

func (r *ActionRepository) GetByID(ctx context.Context, id string) (*model.ActionRecord, error) {
	var action model.ActionRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return &action, nil
}

// queueOrder 领取顺序：优先级高的先处理，同优先级内先进先出
func queueOrder(db *gorm.DB) *gorm.DB {
	return db.Order("priority DESC").Order("created_at ASC").Order("id ASC")
}

// ClaimPending 领取用户的一批 pending 记录并标记为 processing
//
// 标记使用条件更新（status = pending），并发的两次调用不会领取到同一条记录。
// 只有本次 token 领取成功的记录会被返回，顺序与领取顺序一致。
func (r *ActionRepository) ClaimPending(ctx context.Context, userID string, limit int, token string, now time.Time) ([]*model.ActionRecord, error) {
	var claimed []*model.ActionRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := queueOrder(tx.Model(&model.ActionRecord{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("user_id = ? AND status = ?", userID, model.ActionStatusPending)).
			Limit(limit).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		result := tx.Model(&model.ActionRecord{}).
			Where("id IN ? AND status = ?", ids, model.ActionStatusPending).
			Updates(map[string]interface{}{
				"status":                model.ActionStatusProcessing,
				"processing_started_at": now,
				"claim_token":           token,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		return queueOrder(tx.Where("claim_token = ?", token)).Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ActionOutcome 一条记录处理结束后的状态变更
type ActionOutcome struct {
	ID         string
	ClaimToken *string
	Status     string
	Result     datatypes.JSON
	Error      string
	At         time.Time
}

// ApplyOutcome 把 processing 记录转到 completed / pending / failed
//
// 以领取时的 claim_token 作为条件，记录已被超时回收时返回 false，不覆盖回收后的状态
func (r *ActionRepository) ApplyOutcome(ctx context.Context, tx *gorm.DB, o ActionOutcome) (bool, error) {
	if !model.CanTransitionTo(model.ActionStatusProcessing, o.Status) {
		return false, ErrActionStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":      o.Status,
		"claim_token": nil,
	}
	switch o.Status {
	case model.ActionStatusCompleted:
		updates["completed_at"] = o.At
		updates["result"] = o.Result
		updates["last_error"] = nil
	case model.ActionStatusPending:
		updates["retry_count"] = gorm.Expr("retry_count + 1")
		updates["last_retry_at"] = o.At
		updates["last_error"] = o.Error
	case model.ActionStatusFailed:
		updates["retry_count"] = gorm.Expr("retry_count + 1")
		updates["failed_at"] = o.At
		updates["last_error"] = o.Error
	}

	query := tx.WithContext(ctx).
		Model(&model.ActionRecord{}).
		Where("id = ? AND status = ?", o.ID, model.ActionStatusProcessing)
	if o.ClaimToken != nil {
		query = query.Where("claim_token = ?", *o.ClaimToken)
	} else {
		query = query.Where("claim_token IS NULL")
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseClaim 提交失败时把本次领取的记录退回 pending，不消耗重试次数
func (r *ActionRepository) ReleaseClaim(ctx context.Context, token string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.ActionRecord{}).
		Where("claim_token = ? AND status = ?", token, model.ActionStatusProcessing).
		Updates(map[string]interface{}{
			"status":      model.ActionStatusPending,
			"claim_token": nil,
		})
	return result.RowsAffected, result.Error
}

// GetStaleProcessing 查询 processing 超时的记录
func (r *ActionRepository) GetStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*model.ActionRecord, error) {
	var actions []*model.ActionRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND processing_started_at < ?", model.ActionStatusProcessing, before).
		Order("processing_started_at ASC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}

func (r *ActionRepository) CountByStatus(ctx context.Context, userID string, statuses ...string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ActionRecord{}).
		Where("user_id = ? AND status IN ?", userID, statuses).
		Count(&count).Error
	return count, err
}

// DeleteCompletedBefore 删除 completedAt 早于 before 的 completed 记录，最多 limit 条，单个事务
func (r *ActionRepository) DeleteCompletedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	var deleted int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&model.ActionRecord{}).
			Where("status = ? AND completed_at < ?", model.ActionStatusCompleted, before).
			Order("completed_at ASC").
			Limit(limit).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		result := tx.Where("id IN ? AND status = ?", ids, model.ActionStatusCompleted).
			Delete(&model.ActionRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})

	return deleted, err
}

func (r *ActionRepository) ListByUserID(ctx context.Context, userID, status string, page, pageSize int) ([]*model.ActionRecord, int64, error) {
	var actions []*model.ActionRecord
	var total int64

	filter := func() *gorm.DB {
		query := r.db.WithContext(ctx).Model(&model.ActionRecord{}).Where("user_id = ?", userID)
		if status != "" {
			query = query.Where("status = ?", status)
		}
		return query
	}

	if err := filter().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := filter().
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&actions).Error

	return actions, total, err
}
