package model

import (
	"time"

	"gorm.io/datatypes"
)

// SyncStatus 用户同步汇总计数，嵌入在 user_profile 中
//
// 计数只能通过 col = col + ? 的原子表达式修改，不在应用层读改写
type SyncStatus struct {
	QueuedActions   int64      `gorm:"not null;default:0" json:"queued_actions"`
	LastQueuedAt    *time.Time `json:"last_queued_at,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	SuccessfulSyncs int64      `gorm:"not null;default:0" json:"successful_syncs"`
	FailedSyncs     int64      `gorm:"not null;default:0" json:"failed_syncs"`
}

// UserProfile 用户资料表（同步相关部分）
type UserProfile struct {
	UserID      string            `gorm:"type:varchar(128);primaryKey" json:"user_id"`
	Preferences datatypes.JSONMap `json:"preferences"`
	SyncStatus  SyncStatus        `gorm:"embedded;embeddedPrefix:sync_status_" json:"sync_status"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserProfile) TableName() string {
	return "user_profile"
}
