package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"offlinesync/internal/apperror"
	"offlinesync/internal/config"
	"offlinesync/internal/logging"
	"offlinesync/internal/model"
	"offlinesync/internal/repository"
	"offlinesync/pkg/idgen"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	msgUnauthenticated      = "User must be authenticated"
	msgActionPayloadMissing = "Action and payload are required"
	msgActionsMissing       = "Actions array is required"
)

// QueueService 离线动作入队
type QueueService struct {
	db         *gorm.DB
	cfg        *config.SyncConfig
	log        logrus.FieldLogger
	now        func() time.Time
	validate   *validator.Validate
	actionRepo *repository.ActionRepository
	userRepo   *repository.UserRepository
}

func NewQueueService(db *gorm.DB, cfg *config.SyncConfig, log logrus.FieldLogger, now func() time.Time) *QueueService {
	if now == nil {
		now = utcNow
	}
	return &QueueService{
		db:         db,
		cfg:        cfg,
		log:        log,
		now:        now,
		validate:   newValidator(),
		actionRepo: repository.NewActionRepository(db),
		userRepo:   repository.NewUserRepository(db),
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// EnqueueRequest 一条离线动作
type EnqueueRequest struct {
	Action   string          `json:"action" validate:"required"`
	Payload  json.RawMessage `json:"payload" validate:"json_payload"`
	DeviceID *string         `json:"deviceId,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	// payload 不能缺失、不能是 null 或空字符串
	_ = v.RegisterValidation("json_payload", func(fl validator.FieldLevel) bool {
		raw := bytes.TrimSpace(fl.Field().Bytes())
		if len(raw) == 0 {
			return false
		}
		return !bytes.Equal(raw, []byte("null")) && !bytes.Equal(raw, []byte(`""`))
	})
	return v
}

func (s *QueueService) buildRecord(userID string, req *EnqueueRequest, now time.Time) *model.ActionRecord {
	priority := req.Priority
	if priority == 0 {
		priority = model.DefaultActionPriority
	}
	var deviceID *string
	if req.DeviceID != nil && *req.DeviceID != "" {
		id := *req.DeviceID
		deviceID = &id
	}
	return &model.ActionRecord{
		ID:         idgen.NewActionID(),
		UserID:     userID,
		ActionType: req.Action,
		Payload:    datatypes.JSON(bytes.TrimSpace(req.Payload)),
		DeviceID:   deviceID,
		Priority:   priority,
		Status:     model.ActionStatusPending,
		CreatedAt:  now,
	}
}

// Enqueue 写入一条 pending 记录并累加用户的排队计数
func (s *QueueService) Enqueue(ctx context.Context, userID string, req *EnqueueRequest) (string, error) {
	if userID == "" {
		return "", apperror.Unauthenticated(msgUnauthenticated)
	}
	if req == nil || s.validate.Struct(req) != nil {
		return "", apperror.InvalidArgument(msgActionPayloadMissing)
	}

	now := s.now()
	record := s.buildRecord(userID, req, now)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.actionRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("写入队列记录失败: %w", err)
		}
		if err := s.userRepo.EnsureProfile(ctx, tx, userID); err != nil {
			return fmt.Errorf("创建用户资料失败: %w", err)
		}
		return s.userRepo.AdjustSyncCounters(ctx, tx, userID, repository.SyncCounterDelta{
			Queued:       1,
			LastQueuedAt: &now,
		})
	})
	if err != nil {
		logging.LogError(s.log, "QueueService", "Enqueue", "离线动作入队失败",
			map[string]interface{}{"user_id": userID, "action": req.Action}, err)
		return "", apperror.Internal("Failed to queue action", err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"action_id": record.ID,
		"action":    record.ActionType,
		"priority":  record.Priority,
	}).Info("离线动作已入队")

	return record.ID, nil
}

// BulkEnqueue 批量入队，先校验全部条目，再在一个事务内写入
func (s *QueueService) BulkEnqueue(ctx context.Context, userID string, reqs []*EnqueueRequest) (int, error) {
	if userID == "" {
		return 0, apperror.Unauthenticated(msgUnauthenticated)
	}
	if len(reqs) == 0 {
		return 0, apperror.InvalidArgument(msgActionsMissing)
	}
	if len(reqs) > s.cfg.BulkLimit {
		return 0, apperror.InvalidArgument(fmt.Sprintf("Too many actions (max %d)", s.cfg.BulkLimit))
	}
	for i, req := range reqs {
		if req == nil || s.validate.Struct(req) != nil {
			return 0, apperror.InvalidArgument(fmt.Sprintf("%s (entry %d)", msgActionPayloadMissing, i))
		}
	}

	now := s.now()
	records := make([]*model.ActionRecord, 0, len(reqs))
	for _, req := range reqs {
		records = append(records, s.buildRecord(userID, req, now))
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.actionRepo.CreateBatch(ctx, tx, records); err != nil {
			return fmt.Errorf("批量写入队列记录失败: %w", err)
		}
		if err := s.userRepo.EnsureProfile(ctx, tx, userID); err != nil {
			return fmt.Errorf("创建用户资料失败: %w", err)
		}
		return s.userRepo.AdjustSyncCounters(ctx, tx, userID, repository.SyncCounterDelta{
			Queued:       int64(len(records)),
			LastQueuedAt: &now,
		})
	})
	if err != nil {
		logging.LogError(s.log, "QueueService", "BulkEnqueue", "批量入队失败",
			map[string]interface{}{"user_id": userID, "count": len(records)}, err)
		return 0, apperror.Internal("Failed to bulk sync data", err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"count":   len(records),
	}).Info("离线动作批量入队")

	return len(records), nil
}
