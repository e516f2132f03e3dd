package model

import (
	"time"

	"gorm.io/datatypes"
)

// SafeZone 防丢安全区域
type SafeZone struct {
	ID        string            `gorm:"type:varchar(128);primaryKey" json:"id"`
	UserID    string            `gorm:"type:varchar(128);index;not null" json:"user_id"`
	Name      string            `gorm:"type:varchar(128)" json:"name"`
	Settings  datatypes.JSONMap `json:"settings"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SafeZone) TableName() string {
	return "safe_zone"
}
