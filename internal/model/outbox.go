package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const OutboxEventSyncBatchCompleted = "sync.batch.completed"

// OutboxMessage 待投递到 Kafka 的同步事件
//
// 与队列记录的状态变更在同一个事务里写入，由 OutboxSender 异步投递
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	MessageKey string    `gorm:"type:varchar(128);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	LastError  *string   `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// SyncBatchEvent 一次批处理的结果摘要
type SyncBatchEvent struct {
	UserID    string    `json:"user_id"`
	Processed int       `json:"processed"`
	Completed int       `json:"completed"`
	Retried   int       `json:"retried"`
	Failed    int       `json:"failed"`
	SyncedAt  time.Time `json:"synced_at"`
}
