package models

import (
	"encoding/json"
	"time"
)

// EventSeverity 事件严重级别
type EventSeverity string

const (
	SeverityLow      EventSeverity = "low"
	SeverityMedium   EventSeverity = "medium"
	SeverityHigh     EventSeverity = "high"
	SeverityCritical EventSeverity = "critical"
)

// 监控事件类型
const (
	EventTypeMotion        = "motion"
	EventTypeDoorForced    = "door_forced"
	EventTypeAccessDenied  = "access_denied"
	EventTypeDeviceOnline  = "device_online"
	EventTypeDeviceOffline = "device_offline"
	EventTypeCameraOnline  = "camera_online"
	EventTypeCameraOffline = "camera_offline"
)

// MonitoringEvent 监控事件（对应 monitoring_events 表）
// 事件本体创建后不再修改，值班人员确认只补写 acknowledged 两列
type MonitoringEvent struct {
	EventID        string          `json:"event_id" db:"event_id"`
	BuildingID     string          `json:"building_id" db:"building_id"`
	DeviceID       string          `json:"device_id" db:"device_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Severity       EventSeverity   `json:"severity" db:"severity"`
	Metadata       json.RawMessage `json:"metadata" db:"metadata"` // JSONB
	AcknowledgedBy *string         `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
