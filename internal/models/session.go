package models

import (
	"time"
)

// StreamType 视频会话类型
type StreamType string

const (
	StreamTypeLive     StreamType = "live"
	StreamTypePlayback StreamType = "playback"
)

// StreamQuality 视频质量档位
type StreamQuality string

const (
	QualityLow    StreamQuality = "low"
	QualityMedium StreamQuality = "medium"
	QualityHigh   StreamQuality = "high"
)

// StreamSession 视频观看会话（仅存在于内存，由流管理器独占管理）
type StreamSession struct {
	SessionID  string        `json:"session_id"`
	DeviceID   string        `json:"device_id"`
	UserID     string        `json:"user_id"`
	Type       StreamType    `json:"type"`
	Quality    StreamQuality `json:"quality"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	URL        string        `json:"url"` // 可播放的 manifest 地址
	// 回放会话的时间窗口与速度
	PlaybackStart *time.Time `json:"playback_start,omitempty"`
	PlaybackEnd   *time.Time `json:"playback_end,omitempty"`
	PlaybackSpeed float64    `json:"playback_speed,omitempty"`
}
