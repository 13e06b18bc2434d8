package models

import (
	"encoding/json"
	"time"
)

// DeviceStatus 设备状态
type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
	DeviceStatusError       DeviceStatus = "error"
	DeviceStatusDisabled    DeviceStatus = "disabled"
)

// 设备能力标识
const (
	CapabilityPTZ       = "ptz"
	CapabilityRecording = "recording"
	CapabilityAudio     = "audio"
	CapabilityDoorLock  = "door_lock"
)

// Device 设备/摄像头（对应 devices 表）
// 状态只通过健康监控或管理员覆盖变更；流失败时由流管理器标记 error
type Device struct {
	DeviceID      string          `json:"device_id" db:"device_id"`
	BuildingID    string          `json:"building_id" db:"building_id"`
	Name          string          `json:"name" db:"name"`
	Type          string          `json:"type" db:"type"` // camera, access_controller, sensor
	Floor         string          `json:"floor" db:"floor"`
	Zone          string          `json:"zone" db:"zone"`
	Status        DeviceStatus    `json:"status" db:"status"`
	Capabilities  []string        `json:"capabilities" db:"capabilities"`
	ExternalID    string          `json:"external_id" db:"external_id"` // 视频管理系统中的设备标识
	ProbeAddr     string          `json:"probe_addr" db:"probe_addr"`   // 健康探测地址
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	Metadata      json.RawMessage `json:"metadata" db:"metadata"` // JSONB
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// HasCapability 检查设备是否具备指定能力
func (d *Device) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// IsCamera 是否为摄像头设备
func (d *Device) IsCamera() bool {
	return d.Type == "camera"
}
