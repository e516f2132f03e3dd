package model

import (
	"time"

	"gorm.io/datatypes"
)

// Device 智能水杯设备
type Device struct {
	ID            string            `gorm:"type:varchar(128);primaryKey" json:"id"`
	UserID        string            `gorm:"type:varchar(128);index;not null" json:"user_id"`
	Name          string            `gorm:"type:varchar(128)" json:"name"`
	Status        datatypes.JSONMap `json:"status"`
	LastReading   datatypes.JSON    `json:"last_reading,omitempty"`
	LastReadingAt *time.Time        `json:"last_reading_at,omitempty"`
	LastSeen      *time.Time        `json:"last_seen,omitempty"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Device) TableName() string {
	return "device"
}

// DeviceReading 设备读数，只追加
//
// ID 使用产生该读数的队列记录 ID，重复投递时插入被忽略
type DeviceReading struct {
	ID        string         `gorm:"type:varchar(32);primaryKey" json:"id"`
	DeviceID  string         `gorm:"type:varchar(128);index;not null" json:"device_id"`
	UserID    string         `gorm:"type:varchar(128);index;not null" json:"user_id"`
	Reading   datatypes.JSON `gorm:"not null" json:"reading"`
	ReadAt    time.Time      `gorm:"index;not null" json:"read_at"`
	SyncedAt  time.Time      `gorm:"not null" json:"synced_at"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (DeviceReading) TableName() string {
	return "device_reading"
}
