package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"offlinesync/internal/apperror"
	"offlinesync/internal/config"
	"offlinesync/internal/dispatch"
	"offlinesync/internal/logging"
	"offlinesync/internal/model"
	"offlinesync/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 单条记录在批处理结果中的状态
const (
	ResultCompleted = "completed"
	ResultRetry     = "retry"
	ResultFailed    = "failed"
)

// ListActions 分页参数
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ActionDispatcher 把一条记录交给对应的处理器
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action dispatch.Action) dispatch.Result
}

// QueueLocker 按用户串行化批处理，可为 nil
type QueueLocker interface {
	Acquire(ctx context.Context, userID string) (func(), error)
}

type SyncService struct {
	db         *gorm.DB
	cfg        *config.SyncConfig
	topic      string
	log        logrus.FieldLogger
	now        func() time.Time
	dispatcher ActionDispatcher
	locker     QueueLocker
	actionRepo *repository.ActionRepository
	userRepo   *repository.UserRepository
	outboxRepo *repository.OutboxRepository
}

type SyncServiceOptions struct {
	Config     *config.SyncConfig
	Topic      string
	Dispatcher ActionDispatcher
	Locker     QueueLocker
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

func NewSyncService(db *gorm.DB, opts SyncServiceOptions) *SyncService {
	now := opts.Now
	if now == nil {
		now = utcNow
	}
	return &SyncService{
		db:         db,
		cfg:        opts.Config,
		topic:      opts.Topic,
		log:        opts.Logger,
		now:        now,
		dispatcher: opts.Dispatcher,
		locker:     opts.Locker,
		actionRepo: repository.NewActionRepository(db),
		userRepo:   repository.NewUserRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

type ActionResult struct {
	ActionID string `json:"actionId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type ProcessResult struct {
	ProcessedActions int            `json:"processedActions"`
	Results          []ActionResult `json:"results,omitempty"`
}

// ProcessQueue 处理用户的一批 pending 记录
//
// 流程：领取 -> 逐条分发（事务外） -> 一个事务提交全部状态变更、汇总计数和同步事件
func (s *SyncService) ProcessQueue(ctx context.Context, userID string) (*ProcessResult, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated(msgUnauthenticated)
	}

	logger := s.log.WithField("user_id", userID)

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, userID)
		if err != nil {
			logger.Warnf("获取用户队列锁失败，依赖领取条件继续处理: %v", err)
		} else {
			defer release()
		}
	}

	token := uuid.NewString()
	claimed, err := s.actionRepo.ClaimPending(ctx, userID, s.cfg.BatchSize, token, s.now())
	if err != nil {
		logging.LogError(logger, "SyncService", "ProcessQueue", "领取队列记录失败", nil, err)
		return nil, apperror.Internal("Failed to process sync queue", err)
	}
	if len(claimed) == 0 {
		return &ProcessResult{ProcessedActions: 0}, nil
	}

	outcomes := make([]repository.ActionOutcome, 0, len(claimed))
	results := make([]ActionResult, 0, len(claimed))
	for _, record := range claimed {
		res := s.dispatcher.Dispatch(ctx, toDispatchAction(record))
		outcome, result := s.decide(record, res, s.now())
		outcomes = append(outcomes, outcome)
		results = append(results, result)
	}

	syncedAt := s.now()
	committed, event, err := s.commit(ctx, userID, outcomes, results, syncedAt)
	if err != nil {
		if released, relErr := s.actionRepo.ReleaseClaim(context.Background(), token); relErr != nil {
			logging.LogError(logger, "SyncService", "ProcessQueue", "退回领取的记录失败", nil, relErr)
		} else {
			logger.Warnf("批处理提交失败，已退回 %d 条记录", released)
		}
		logging.LogError(logger, "SyncService", "ProcessQueue", "提交批处理结果失败",
			map[string]interface{}{"claimed": len(claimed)}, err)
		return nil, apperror.Internal("Failed to process sync queue", err)
	}

	logger.WithFields(logrus.Fields{
		"processed": event.Processed,
		"completed": event.Completed,
		"retried":   event.Retried,
		"failed":    event.Failed,
	}).Info("批处理完成")

	return &ProcessResult{ProcessedActions: len(committed), Results: committed}, nil
}

func toDispatchAction(record *model.ActionRecord) dispatch.Action {
	return dispatch.Action{
		ID:        record.ID,
		UserID:    record.UserID,
		Type:      record.ActionType,
		Payload:   []byte(record.Payload),
		DeviceID:  record.DeviceID,
		CreatedAt: record.CreatedAt,
	}
}

// decide 根据分发结果计算状态变更
//
// 失败时 retryCount+1，达到上限进入 failed，否则回到 pending 等待下次批处理
func (s *SyncService) decide(record *model.ActionRecord, res dispatch.Result, at time.Time) (repository.ActionOutcome, ActionResult) {
	outcome := repository.ActionOutcome{
		ID:         record.ID,
		ClaimToken: record.ClaimToken,
		At:         at,
	}

	if res.Success {
		data, err := json.Marshal(res.Data)
		if err == nil {
			outcome.Status = model.ActionStatusCompleted
			outcome.Result = datatypes.JSON(data)
			return outcome, ActionResult{ActionID: record.ID, Status: ResultCompleted}
		}
		res = dispatch.Result{Error: fmt.Sprintf("Invalid handler result: %v", err)}
	}

	outcome.Error = res.Error
	return failedAttempt(outcome, record.RetryCount, s.cfg.MaxRetryCount)
}

// failedAttempt 一次失败的尝试，处理器失败和处理超时共用
func failedAttempt(outcome repository.ActionOutcome, retryCount, maxRetry int) (repository.ActionOutcome, ActionResult) {
	if retryCount+1 >= maxRetry {
		outcome.Status = model.ActionStatusFailed
		return outcome, ActionResult{ActionID: outcome.ID, Status: ResultFailed, Error: outcome.Error}
	}
	outcome.Status = model.ActionStatusPending
	return outcome, ActionResult{ActionID: outcome.ID, Status: ResultRetry, Error: outcome.Error}
}

// commit 在一个事务内写入全部状态变更、汇总计数和同步事件
//
// 被超时回收的记录（claim_token 已变）跳过，不计入结果
func (s *SyncService) commit(ctx context.Context, userID string, outcomes []repository.ActionOutcome, results []ActionResult, syncedAt time.Time) ([]ActionResult, *model.SyncBatchEvent, error) {
	committed := make([]ActionResult, 0, len(results))
	event := &model.SyncBatchEvent{UserID: userID, SyncedAt: syncedAt}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		committed = committed[:0]
		*event = model.SyncBatchEvent{UserID: userID, SyncedAt: syncedAt}

		for i, outcome := range outcomes {
			applied, err := s.actionRepo.ApplyOutcome(ctx, tx, outcome)
			if err != nil {
				return fmt.Errorf("更新记录 %s 状态失败: %w", outcome.ID, err)
			}
			if !applied {
				s.log.WithFields(logrus.Fields{
					"user_id":   userID,
					"action_id": outcome.ID,
				}).Warn("记录已被回收，跳过本次结果")
				continue
			}

			committed = append(committed, results[i])
			switch results[i].Status {
			case ResultCompleted:
				event.Completed++
			case ResultRetry:
				event.Retried++
			case ResultFailed:
				event.Failed++
			}
		}
		event.Processed = len(committed)

		if err := s.userRepo.EnsureProfile(ctx, tx, userID); err != nil {
			return fmt.Errorf("创建用户资料失败: %w", err)
		}
		err := s.userRepo.AdjustSyncCounters(ctx, tx, userID, repository.SyncCounterDelta{
			Queued:     -int64(event.Completed + event.Failed),
			Successful: int64(event.Completed),
			Failed:     int64(event.Failed),
			LastSyncAt: &syncedAt,
		})
		if err != nil {
			return fmt.Errorf("更新同步计数失败: %w", err)
		}

		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("序列化同步事件失败: %w", err)
		}
		return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
			EventType:  model.OutboxEventSyncBatchCompleted,
			MessageKey: userID,
			Topic:      s.topic,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return committed, event, nil
}

// SyncStatus 用户同步状态
type SyncStatus struct {
	QueuedActions   int64      `json:"queuedActions"`
	FailedActions   int64      `json:"failedActions"`
	LastSyncAt      *time.Time `json:"lastSyncAt"`
	LastQueuedAt    *time.Time `json:"lastQueuedAt"`
	SuccessfulSyncs int64      `json:"successfulSyncs"`
	FailedSyncs     int64      `json:"failedSyncs"`
}

// GetSyncStatus 排队数与失败数实时统计，其余字段来自用户资料上的汇总
func (s *SyncService) GetSyncStatus(ctx context.Context, userID string) (*SyncStatus, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated(msgUnauthenticated)
	}

	queued, err := s.actionRepo.CountByStatus(ctx, userID, model.ActionStatusPending, model.ActionStatusProcessing)
	if err != nil {
		logging.LogError(s.log, "SyncService", "GetSyncStatus", "统计排队记录失败", userID, err)
		return nil, apperror.Internal("Failed to get sync status", err)
	}
	failed, err := s.actionRepo.CountByStatus(ctx, userID, model.ActionStatusFailed)
	if err != nil {
		logging.LogError(s.log, "SyncService", "GetSyncStatus", "统计失败记录失败", userID, err)
		return nil, apperror.Internal("Failed to get sync status", err)
	}

	status := &SyncStatus{QueuedActions: queued, FailedActions: failed}

	profile, err := s.userRepo.GetByUserID(ctx, userID)
	switch {
	case err == nil:
		status.LastSyncAt = profile.SyncStatus.LastSyncAt
		status.LastQueuedAt = profile.SyncStatus.LastQueuedAt
		status.SuccessfulSyncs = profile.SyncStatus.SuccessfulSyncs
		status.FailedSyncs = profile.SyncStatus.FailedSyncs
	case errors.Is(err, repository.ErrProfileNotFound):
	default:
		logging.LogError(s.log, "SyncService", "GetSyncStatus", "查询用户资料失败", userID, err)
		return nil, apperror.Internal("Failed to get sync status", err)
	}

	return status, nil
}

type LastSync struct {
	LastSyncAt      *time.Time `json:"lastSyncAt"`
	ServerTimestamp time.Time  `json:"serverTimestamp"`
}

func (s *SyncService) GetLastSyncTimestamp(ctx context.Context, userID string) (*LastSync, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated(msgUnauthenticated)
	}

	result := &LastSync{ServerTimestamp: s.now()}
	profile, err := s.userRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return result, nil
		}
		logging.LogError(s.log, "SyncService", "GetLastSyncTimestamp", "查询用户资料失败", userID, err)
		return nil, apperror.Internal("Failed to get sync timestamp", err)
	}
	result.LastSyncAt = profile.SyncStatus.LastSyncAt
	return result, nil
}

type ActionList struct {
	Items    []*model.ActionRecord `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
}

// ListActions 分页查询用户的队列记录，status 为空时不过滤
func (s *SyncService) ListActions(ctx context.Context, userID, status string, page, pageSize int) (*ActionList, error) {
	if userID == "" {
		return nil, apperror.Unauthenticated(msgUnauthenticated)
	}
	switch status {
	case "", model.ActionStatusPending, model.ActionStatusProcessing, model.ActionStatusCompleted, model.ActionStatusFailed:
	default:
		return nil, apperror.InvalidArgument(fmt.Sprintf("Unknown status: %s", status))
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	items, total, err := s.actionRepo.ListByUserID(ctx, userID, status, page, pageSize)
	if err != nil {
		logging.LogError(s.log, "SyncService", "ListActions", "查询队列记录失败", userID, err)
		return nil, apperror.Internal("Failed to list actions", err)
	}
	return &ActionList{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

const msgProcessingTimedOut = "processing timed out"

// ReclaimResult 一次超时回收的统计
type ReclaimResult struct {
	Reclaimed int
	Retried   int
	Failed    int
}

// ReclaimStale 把 processingStartedAt 早于 before 的 processing 记录按一次失败尝试处理
//
// 与批处理走同一套重试规则，进入 failed 的记录在同一个事务里调整用户计数
func (s *SyncService) ReclaimStale(ctx context.Context, before time.Time, limit int) (*ReclaimResult, error) {
	stale, err := s.actionRepo.GetStaleProcessing(ctx, before, limit)
	if err != nil {
		return nil, fmt.Errorf("查询超时记录失败: %w", err)
	}
	result := &ReclaimResult{}
	if len(stale) == 0 {
		return result, nil
	}

	at := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		*result = ReclaimResult{}
		failedByUser := make(map[string]int64)

		for _, record := range stale {
			outcome, attempt := failedAttempt(repository.ActionOutcome{
				ID:         record.ID,
				ClaimToken: record.ClaimToken,
				Error:      msgProcessingTimedOut,
				At:         at,
			}, record.RetryCount, s.cfg.MaxRetryCount)

			applied, err := s.actionRepo.ApplyOutcome(ctx, tx, outcome)
			if err != nil {
				return fmt.Errorf("回收记录 %s 失败: %w", record.ID, err)
			}
			if !applied {
				// 批处理已经提交了这条记录
				continue
			}

			result.Reclaimed++
			if attempt.Status == ResultFailed {
				result.Failed++
				failedByUser[record.UserID]++
			} else {
				result.Retried++
			}
		}

		for userID, failed := range failedByUser {
			if err := s.userRepo.EnsureProfile(ctx, tx, userID); err != nil {
				return fmt.Errorf("创建用户资料失败: %w", err)
			}
			err := s.userRepo.AdjustSyncCounters(ctx, tx, userID, repository.SyncCounterDelta{
				Queued: -failed,
				Failed: failed,
			})
			if err != nil {
				return fmt.Errorf("更新用户 %s 同步计数失败: %w", userID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
