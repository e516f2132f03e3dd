package model

import (
	"time"

	"gorm.io/datatypes"
)

const ActivitySourceOfflineSync = "offline_sync"

// UserActivity 用户行为记录，只追加
type UserActivity struct {
	ID         string            `gorm:"type:varchar(32);primaryKey" json:"id"`
	UserID     string            `gorm:"type:varchar(128);index;not null" json:"user_id"`
	Event      string            `gorm:"type:varchar(128);not null" json:"event"`
	Properties datatypes.JSONMap `json:"properties"`
	Source     string            `gorm:"type:varchar(32);not null" json:"source"`
	CreatedAt  time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (UserActivity) TableName() string {
	return "user_activity"
}
