package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"offlinesync/internal/model"
	"offlinesync/internal/repository"

	"gorm.io/datatypes"
)

var (
	ErrDeviceAccessDenied = errors.New("Device not found or access denied")
	ErrZoneAccessDenied   = errors.New("Zone not found or access denied")
)

type DeviceStore interface {
	GetOwned(ctx context.Context, deviceID, userID string) (*model.Device, error)
	RecordReading(ctx context.Context, reading *model.DeviceReading) error
	MergeStatus(ctx context.Context, deviceID string, status map[string]interface{}, seenAt time.Time) (map[string]interface{}, error)
}

type PreferenceStore interface {
	MergePreferences(ctx context.Context, userID string, prefs map[string]interface{}) (map[string]interface{}, error)
}

type ZoneStore interface {
	GetOwned(ctx context.Context, zoneID, userID string) (*model.SafeZone, error)
	CreateIfAbsent(ctx context.Context, zone *model.SafeZone) error
	ApplyUpdates(ctx context.Context, zoneID string, updates map[string]interface{}) error
}

type ActivityStore interface {
	CreateIfAbsent(ctx context.Context, activity *model.UserActivity) error
}

// Stores 处理器依赖的业务数据表
type Stores struct {
	Devices     DeviceStore
	Preferences PreferenceStore
	Zones       ZoneStore
	Activities  ActivityStore
}

// Handlers 返回全部动作类型的默认处理器
func Handlers(stores Stores, now func() time.Time) map[model.ActionType]Handler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return map[model.ActionType]Handler{
		model.ActionTypeDeviceReading:        deviceReadingHandler(stores.Devices, now),
		model.ActionTypeUserPreferenceUpdate: preferenceHandler(stores.Preferences),
		model.ActionTypeDeviceStatusUpdate:   deviceStatusHandler(stores.Devices, now),
		model.ActionTypeZoneUpdate:           zoneHandler(stores.Zones),
		model.ActionTypeActivityLog:          activityHandler(stores.Activities),
	}
}

func decodePayload(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("Invalid payload: %v", err)
	}
	return nil
}

type deviceReadingPayload struct {
	DeviceID  string          `json:"deviceId"`
	Reading   json.RawMessage `json:"reading"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func deviceReadingHandler(devices DeviceStore, now func() time.Time) Handler {
	return func(ctx context.Context, action Action) (map[string]interface{}, error) {
		var p deviceReadingPayload
		if err := decodePayload(action.Payload, &p); err != nil {
			return nil, err
		}

		if _, err := devices.GetOwned(ctx, p.DeviceID, action.UserID); err != nil {
			if errors.Is(err, repository.ErrDeviceNotFound) {
				return nil, ErrDeviceAccessDenied
			}
			return nil, err
		}

		readAt, err := parseReadingTime(p.Timestamp, action.CreatedAt)
		if err != nil {
			return nil, err
		}

		reading := &model.DeviceReading{
			ID:       action.ID,
			DeviceID: p.DeviceID,
			UserID:   action.UserID,
			Reading:  datatypes.JSON(p.Reading),
			ReadAt:   readAt,
			SyncedAt: now(),
		}
		if err := devices.RecordReading(ctx, reading); err != nil {
			return nil, err
		}
		return map[string]interface{}{"readingId": reading.ID}, nil
	}
}

// parseReadingTime 支持毫秒时间戳和 RFC3339 字符串，缺省时使用入队时间
func parseReadingTime(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback.UTC(), nil
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("Invalid reading timestamp: %s", raw)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("Invalid reading timestamp: %s", s)
	}
	return t.UTC(), nil
}

type preferencePayload struct {
	Preferences map[string]interface{} `json:"preferences"`
}

func preferenceHandler(prefs PreferenceStore) Handler {
	return func(ctx context.Context, action Action) (map[string]interface{}, error) {
		var p preferencePayload
		if err := decodePayload(action.Payload, &p); err != nil {
			return nil, err
		}
		merged, err := prefs.MergePreferences(ctx, action.UserID, p.Preferences)
		if err != nil {
			return nil, err
		}
		// 返回合并后的完整偏好设置
		return map[string]interface{}{"updatedPreferences": merged}, nil
	}
}

type deviceStatusPayload struct {
	DeviceID string                 `json:"deviceId"`
	Status   map[string]interface{} `json:"status"`
}

func deviceStatusHandler(devices DeviceStore, now func() time.Time) Handler {
	return func(ctx context.Context, action Action) (map[string]interface{}, error) {
		var p deviceStatusPayload
		if err := decodePayload(action.Payload, &p); err != nil {
			return nil, err
		}

		if _, err := devices.GetOwned(ctx, p.DeviceID, action.UserID); err != nil {
			if errors.Is(err, repository.ErrDeviceNotFound) {
				return nil, ErrDeviceAccessDenied
			}
			return nil, err
		}
		if _, err := devices.MergeStatus(ctx, p.DeviceID, p.Status, now()); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"deviceId":      p.DeviceID,
			"updatedStatus": p.Status,
		}, nil
	}
}

type zonePayload struct {
	ZoneID  string                 `json:"zoneId"`
	Updates map[string]interface{} `json:"updates"`
}

func zoneHandler(zones ZoneStore) Handler {
	return func(ctx context.Context, action Action) (map[string]interface{}, error) {
		var p zonePayload
		if err := decodePayload(action.Payload, &p); err != nil {
			return nil, err
		}

		if p.ZoneID == "" {
			// 新区域以队列记录 ID 作为区域 ID，重复执行不会创建第二个
			zone := repository.ZoneFromUpdates(action.ID, action.UserID, p.Updates)
			if err := zones.CreateIfAbsent(ctx, zone); err != nil {
				return nil, err
			}
			return map[string]interface{}{"zoneId": zone.ID}, nil
		}

		if _, err := zones.GetOwned(ctx, p.ZoneID, action.UserID); err != nil {
			if errors.Is(err, repository.ErrZoneNotFound) {
				return nil, ErrZoneAccessDenied
			}
			return nil, err
		}
		if err := zones.ApplyUpdates(ctx, p.ZoneID, p.Updates); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"zoneId":  p.ZoneID,
			"updates": p.Updates,
		}, nil
	}
}

type activityPayload struct {
	Event      string                 `json:"event"`
	Properties map[string]interface{} `json:"properties"`
}

func activityHandler(activities ActivityStore) Handler {
	return func(ctx context.Context, action Action) (map[string]interface{}, error) {
		var p activityPayload
		if err := decodePayload(action.Payload, &p); err != nil {
			return nil, err
		}

		activity := &model.UserActivity{
			ID:         action.ID,
			UserID:     action.UserID,
			Event:      p.Event,
			Properties: datatypes.JSONMap(p.Properties),
			Source:     model.ActivitySourceOfflineSync,
		}
		if err := activities.CreateIfAbsent(ctx, activity); err != nil {
			return nil, err
		}
		return map[string]interface{}{"event": p.Event}, nil
	}
}
