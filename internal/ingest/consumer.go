package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
	"github.com/chevastian666/forten-sub002/pkg/mqtt"
)

// EventSink 事件消费出口：落库、报警、实时推送都在这一个入口后面
type EventSink interface {
	HandleEvent(ctx context.Context, event *models.MonitoringEvent) error
}

// Consumer 设备事件 MQTT 消费模块
// 订阅 forten/{building_id}/{device_id}/event，把上报转成监控事件
type Consumer struct {
	client *mqtt.Client
	qos    byte
	sink   EventSink
	logger *zap.Logger
}

// NewConsumer 创建事件消费模块
func NewConsumer(client *mqtt.Client, qos byte, sink EventSink, logger *zap.Logger) *Consumer {
	return &Consumer{
		client: client,
		qos:    qos,
		sink:   sink,
		logger: logger,
	}
}

// Start 订阅事件主题
func (c *Consumer) Start() error {
	if err := c.client.Subscribe("forten/+/+/event", c.qos, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to event topic: %w", err)
	}

	c.logger.Info("Event consumer started",
		zap.String("topic", "forten/+/+/event"),
	)
	return nil
}

// Stop 取消订阅
func (c *Consumer) Stop() {
	if err := c.client.Unsubscribe("forten/+/+/event"); err != nil {
		c.logger.Error("Failed to unsubscribe from event topic", zap.Error(err))
	}
}

// devicePayload 设备上报的事件格式
type devicePayload struct {
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix 秒
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// HandleMessage 处理单条设备上报
// 解析失败只记录日志返回错误，不影响其他消息
func (c *Consumer) HandleMessage(topic string, payload []byte) error {
	buildingID, deviceID, err := parseTopic(topic)
	if err != nil {
		c.logger.Warn("Discarding event on malformed topic",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return err
	}

	var body devicePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		c.logger.Warn("Discarding undecodable event payload",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	if body.EventType == "" {
		return fmt.Errorf("event_type is required")
	}

	createdAt := time.Now()
	if body.Timestamp > 0 {
		createdAt = time.Unix(body.Timestamp, 0)
	}

	event := &models.MonitoringEvent{
		EventID:    uuid.New().String(),
		DeviceID:   deviceID,
		BuildingID: buildingID,
		EventType:  body.EventType,
		Severity:   severityFor(body.EventType, body.Severity),
		Metadata:   body.Metadata,
		CreatedAt:  createdAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.sink.HandleEvent(ctx, event); err != nil {
		c.logger.Error("Failed to handle device event",
			zap.String("event_id", event.EventID),
			zap.String("device_id", deviceID),
			zap.String("event_type", body.EventType),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// parseTopic 解析 forten/{building_id}/{device_id}/event
func parseTopic(topic string) (buildingID, deviceID string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "forten" || parts[3] != "event" {
		return "", "", fmt.Errorf("unexpected topic format: %s", topic)
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("empty building or device id in topic: %s", topic)
	}
	return parts[1], parts[2], nil
}

// severityFor 上报缺省严重级别时按事件类型推断
func severityFor(eventType, reported string) models.EventSeverity {
	switch reported {
	case string(models.SeverityLow), string(models.SeverityMedium),
		string(models.SeverityHigh), string(models.SeverityCritical):
		return models.EventSeverity(reported)
	}

	switch eventType {
	case models.EventTypeDoorForced:
		return models.SeverityCritical
	case models.EventTypeAccessDenied:
		return models.SeverityHigh
	case models.EventTypeMotion:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
