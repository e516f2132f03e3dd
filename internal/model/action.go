package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ActionStatusPending    = "pending"
	ActionStatusProcessing = "processing"
	ActionStatusCompleted  = "completed"
	ActionStatusFailed     = "failed"
)

// ValidStatusTransitions 队列记录状态机
//
//	pending --(批处理领取)--> processing
//	processing --(处理成功)--> completed [终态]
//	processing --(处理失败，重试次数未达上限)--> pending
//	processing --(处理失败，重试次数达到上限)--> failed [终态]
var ValidStatusTransitions = map[string][]string{
	ActionStatusPending:    {ActionStatusProcessing},
	ActionStatusProcessing: {ActionStatusCompleted, ActionStatusPending, ActionStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsTerminalStatus(status string) bool {
	return status == ActionStatusCompleted || status == ActionStatusFailed
}

// ActionType 离线动作类型，封闭集合
type ActionType string

const (
	ActionTypeDeviceReading        ActionType = "device_reading"
	ActionTypeUserPreferenceUpdate ActionType = "user_preference_update"
	ActionTypeDeviceStatusUpdate   ActionType = "device_status_update"
	ActionTypeZoneUpdate           ActionType = "zone_update"
	ActionTypeActivityLog          ActionType = "activity_log"
)

// AllActionTypes 每个取值都必须在 dispatch 中注册处理器
var AllActionTypes = []ActionType{
	ActionTypeDeviceReading,
	ActionTypeUserPreferenceUpdate,
	ActionTypeDeviceStatusUpdate,
	ActionTypeZoneUpdate,
	ActionTypeActivityLog,
}

// ParseActionType 只识别 AllActionTypes 中的取值
func ParseActionType(s string) (ActionType, bool) {
	for _, t := range AllActionTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

const DefaultActionPriority = 1

// ActionRecord 离线同步队列记录
//
// 索引 idx_action_queue 覆盖批处理的领取查询：
// user_id = ? AND status = ? ORDER BY priority DESC, created_at ASC
type ActionRecord struct {
	ID                  string         `gorm:"type:varchar(32);primaryKey" json:"id"`
	UserID              string         `gorm:"type:varchar(128);not null;index:idx_action_queue,priority:1" json:"user_id"`
	ActionType          string         `gorm:"type:varchar(64);not null" json:"action_type"`
	Payload             datatypes.JSON `gorm:"not null" json:"payload"`
	DeviceID            *string        `gorm:"type:varchar(128)" json:"device_id,omitempty"`
	Priority            int            `gorm:"not null;default:1;index:idx_action_queue,priority:3" json:"priority"`
	Status              string         `gorm:"type:varchar(20);not null;index:idx_action_queue,priority:2;index:idx_action_retention,priority:1" json:"status"`
	RetryCount          int            `gorm:"not null;default:0" json:"retry_count"`
	LastError           *string        `gorm:"type:text" json:"last_error,omitempty"`
	Result              datatypes.JSON `json:"result,omitempty"`
	ClaimToken          *string        `gorm:"type:varchar(64);index" json:"-"`
	CreatedAt           time.Time      `gorm:"autoCreateTime;index:idx_action_queue,priority:4" json:"created_at"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time     `gorm:"index:idx_action_retention,priority:2" json:"completed_at,omitempty"`
	FailedAt            *time.Time     `json:"failed_at,omitempty"`
	LastRetryAt         *time.Time     `json:"last_retry_at,omitempty"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ActionRecord) TableName() string {
	return "action_record"
}
