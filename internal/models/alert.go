package models

import (
	"encoding/json"
	"time"
)

// AlertStatus 报警通知状态
// 状态机：pending → sending → {sent → delivered → read} | failed
// failed → sending（重试，retry_count < max_retries）；cancelled 仅从 pending 可达
type AlertStatus string

const (
	AlertStatusPending   AlertStatus = "pending"
	AlertStatusSending   AlertStatus = "sending"
	AlertStatusSent      AlertStatus = "sent"
	AlertStatusDelivered AlertStatus = "delivered"
	AlertStatusRead      AlertStatus = "read"
	AlertStatusFailed    AlertStatus = "failed"
	AlertStatusCancelled AlertStatus = "cancelled"
)

// AlertPriority 报警优先级
type AlertPriority string

const (
	PriorityLow    AlertPriority = "low"
	PriorityMedium AlertPriority = "medium"
	PriorityHigh   AlertPriority = "high"
	PriorityUrgent AlertPriority = "urgent"
)

// AlertMethod 通知渠道
type AlertMethod string

const (
	MethodEmail   AlertMethod = "email"
	MethodSMS     AlertMethod = "sms"
	MethodPush    AlertMethod = "push"
	MethodWebhook AlertMethod = "webhook"
	MethodInApp   AlertMethod = "in_app"
)

// Alert 报警通知（对应 alerts 表）
// 每条记录对应一个 (事件, 接收人, 渠道) 三元组
type Alert struct {
	ID            string          `json:"id" db:"id"`
	BuildingID    string          `json:"building_id" db:"building_id"`
	EventID       string          `json:"event_id" db:"event_id"`
	RecipientID   string          `json:"recipient_id" db:"recipient_id"`
	Type          string          `json:"type" db:"type"`
	Method        AlertMethod     `json:"method" db:"method"`
	Title         string          `json:"title" db:"title"`
	Message       string          `json:"message" db:"message"`
	Priority      AlertPriority   `json:"priority" db:"priority"`
	Status        AlertStatus     `json:"status" db:"status"`
	ScheduledAt   time.Time       `json:"scheduled_at" db:"scheduled_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt        *time.Time      `json:"read_at,omitempty" db:"read_at"`
	FailedAt      *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
	FailureReason *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	MaxRetries    int             `json:"max_retries" db:"max_retries"`
	Metadata      json.RawMessage `json:"metadata" db:"metadata"` // JSONB
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// PriorityForSeverity 事件严重级别到报警优先级的映射
func PriorityForSeverity(severity EventSeverity) AlertPriority {
	switch severity {
	case SeverityCritical:
		return PriorityUrgent
	case SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// MethodsForPriority 优先级到默认通知渠道集合的映射
func MethodsForPriority(priority AlertPriority) []AlertMethod {
	switch priority {
	case PriorityUrgent:
		return []AlertMethod{MethodSMS, MethodPush, MethodEmail}
	case PriorityHigh:
		return []AlertMethod{MethodPush, MethodEmail}
	case PriorityMedium:
		return []AlertMethod{MethodPush}
	default:
		return []AlertMethod{MethodInApp}
	}
}

// CanRetry 是否还可以重试
func (a *Alert) CanRetry() bool {
	return a.Status == AlertStatusFailed && a.RetryCount < a.MaxRetries
}
