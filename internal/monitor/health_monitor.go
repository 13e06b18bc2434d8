package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// DeviceStore 健康监控所需的设备仓库能力
type DeviceStore interface {
	FindByStatus(ctx context.Context, statuses ...models.DeviceStatus) ([]*models.Device, error)
	UpdateStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
	UpdateHeartbeat(ctx context.Context, deviceID string, at time.Time) error
	FindOffline(ctx context.Context, thresholdMinutes int) ([]*models.Device, error)
}

// EventSink 状态变化事件的去向（持久化、报警管道、网关推送）
type EventSink interface {
	HandleEvent(ctx context.Context, event *models.MonitoringEvent) error
}

// HealthMonitor 设备健康监控
// 每个轮询周期探测所有 online/offline 设备；以最近一次探测结果为准（last probe wins）
type HealthMonitor struct {
	devices       DeviceStore
	prober        Prober
	sink          EventSink
	maxConcurrent int
	offlineAfter  int // 心跳过期阈值（分钟）
	logger        *zap.Logger
}

// NewHealthMonitor 创建健康监控
func NewHealthMonitor(
	devices DeviceStore,
	prober Prober,
	sink EventSink,
	maxConcurrent int,
	offlineAfterMinutes int,
	logger *zap.Logger,
) *HealthMonitor {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &HealthMonitor{
		devices:       devices,
		prober:        prober,
		sink:          sink,
		maxConcurrent: maxConcurrent,
		offlineAfter:  offlineAfterMinutes,
		logger:        logger,
	}
}

// CheckHealth 执行一轮健康检查
// online 设备探测失败 → offline + 事件；offline 设备探测成功 → online + 心跳 + 事件
// 从未上线的设备（无心跳记录）不做处理，等待手工激活
func (m *HealthMonitor) CheckHealth(ctx context.Context) error {
	devices, err := m.devices.FindByStatus(ctx, models.DeviceStatusOnline, models.DeviceStatusOffline)
	if err != nil {
		return fmt.Errorf("failed to list devices for health check: %w", err)
	}

	m.logger.Debug("Health check sweep",
		zap.Int("device_count", len(devices)),
	)

	// 并发探测，信号量限流；单个设备失败不影响其它设备
	sem := make(chan struct{}, m.maxConcurrent)
	var wg sync.WaitGroup

	for _, device := range devices {
		// 从未探测成功过的设备不参与自动状态流转
		if device.Status == models.DeviceStatusOffline && device.LastHeartbeat == nil {
			continue
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(device *models.Device) {
			defer wg.Done()
			defer func() { <-sem }()
			m.checkDevice(ctx, device)
		}(device)
	}

	wg.Wait()
	return nil
}

// checkDevice 探测单个设备并按结果流转状态
func (m *HealthMonitor) checkDevice(ctx context.Context, device *models.Device) {
	probeErr := m.prober.Probe(ctx, device)

	switch {
	case probeErr != nil && device.Status == models.DeviceStatusOnline:
		// online → offline
		if err := m.devices.UpdateStatus(ctx, device.DeviceID, models.DeviceStatusOffline); err != nil {
			m.logger.Error("Failed to mark device offline",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			return
		}
		m.logger.Warn("Device went offline",
			zap.String("device_id", device.DeviceID),
			zap.String("building_id", device.BuildingID),
			zap.String("reason", probeErr.Error()),
		)
		m.emitStatusEvent(ctx, device, false, probeErr.Error())

	case probeErr == nil && device.Status == models.DeviceStatusOffline:
		// offline → online
		if err := m.devices.UpdateStatus(ctx, device.DeviceID, models.DeviceStatusOnline); err != nil {
			m.logger.Error("Failed to mark device online",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			return
		}
		if err := m.devices.UpdateHeartbeat(ctx, device.DeviceID, time.Now()); err != nil {
			m.logger.Error("Failed to update heartbeat",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
		m.logger.Info("Device back online",
			zap.String("device_id", device.DeviceID),
			zap.String("building_id", device.BuildingID),
		)
		m.emitStatusEvent(ctx, device, true, "")

	case probeErr == nil && device.Status == models.DeviceStatusOnline:
		// 保持 online，只刷新心跳
		if err := m.devices.UpdateHeartbeat(ctx, device.DeviceID, time.Now()); err != nil {
			m.logger.Error("Failed to update heartbeat",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
	}
}

// SweepStale 兜底扫描：心跳超过阈值仍标记 online 的设备强制转 offline
// 覆盖探测周期之间设备静默消失的情况
func (m *HealthMonitor) SweepStale(ctx context.Context) error {
	stale, err := m.devices.FindOffline(ctx, m.offlineAfter)
	if err != nil {
		return fmt.Errorf("failed to find stale devices: %w", err)
	}

	for _, device := range stale {
		if err := m.devices.UpdateStatus(ctx, device.DeviceID, models.DeviceStatusOffline); err != nil {
			m.logger.Error("Failed to mark stale device offline",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			continue
		}
		m.logger.Warn("Device heartbeat expired",
			zap.String("device_id", device.DeviceID),
			zap.Int("threshold_minutes", m.offlineAfter),
		)
		m.emitStatusEvent(ctx, device, false, "heartbeat expired")
	}

	return nil
}

// emitStatusEvent 生成设备上线/掉线监控事件
func (m *HealthMonitor) emitStatusEvent(ctx context.Context, device *models.Device, online bool, reason string) {
	eventType := models.EventTypeDeviceOffline
	severity := models.SeverityHigh
	if device.IsCamera() {
		eventType = models.EventTypeCameraOffline
	}
	if online {
		severity = models.SeverityLow
		if device.IsCamera() {
			eventType = models.EventTypeCameraOnline
		} else {
			eventType = models.EventTypeDeviceOnline
		}
	}

	metadata := map[string]string{
		"device_name": device.Name,
		"device_type": device.Type,
		"floor":       device.Floor,
		"zone":        device.Zone,
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	metadataJSON, _ := json.Marshal(metadata)

	event := &models.MonitoringEvent{
		EventID:    uuid.New().String(),
		BuildingID: device.BuildingID,
		DeviceID:   device.DeviceID,
		EventType:  eventType,
		Severity:   severity,
		Metadata:   metadataJSON,
		CreatedAt:  time.Now(),
	}

	if err := m.sink.HandleEvent(ctx, event); err != nil {
		m.logger.Error("Failed to handle status event",
			zap.String("event_id", event.EventID),
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}
}
