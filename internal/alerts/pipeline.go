package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// AlertStore 报警管道所需的仓库能力（由 repository.AlertRepository 实现）
type AlertStore interface {
	Create(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	FindPending(ctx context.Context, now time.Time, limit int) ([]*models.Alert, error)
	FindForRetry(ctx context.Context, now time.Time, limit int) ([]*models.Alert, error)
	ClaimForSending(ctx context.Context, alertID string, from models.AlertStatus) (bool, error)
	MarkAsSent(ctx context.Context, alertID string) error
	MarkAsDelivered(ctx context.Context, alertID string) error
	MarkAsRead(ctx context.Context, alertID string) error
	MarkAsFailed(ctx context.Context, alertID, reason string) error
	Cancel(ctx context.Context, alertID string) error
	IncrementRetryCount(ctx context.Context, alertID string) (int, error)
	UpdateScheduledAt(ctx context.Context, alertID string, at time.Time) error
}

// Dispatcher 外部通知渠道派发（由 notifier.Registry 实现）
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *models.Alert) (string, error)
}

// Emitter 实时网关推送（由 gateway.Hub 实现）
type Emitter interface {
	EmitToUser(userID, event string, payload interface{})
	EmitToBuilding(buildingID, event string, payload interface{})
}

// Recipient 报警接收人
// Preferences 为空时按优先级使用默认渠道集合
type Recipient struct {
	UserID      string
	Preferences map[models.AlertPriority][]models.AlertMethod
}

// RecipientDirectory 楼宇接收人目录
type RecipientDirectory interface {
	RecipientsForBuilding(ctx context.Context, buildingID string) ([]Recipient, error)
}

// Options 管道参数
type Options struct {
	MaxRetries  int
	BatchSize   int
	BackoffBase time.Duration // 重试退避基数
	BackoffMax  time.Duration // 重试退避上限
	ClaimTTL    time.Duration // Redis 派发占用 TTL
}

// Pipeline 报警管道
// 消费监控事件生成通知，并驱动 pending 派发与 failed 重试两个扫描
type Pipeline struct {
	store      AlertStore
	directory  RecipientDirectory
	dispatcher Dispatcher
	emitter    Emitter
	claims     *dispatchClaims
	opts       Options
	logger     *zap.Logger
}

// NewPipeline 创建报警管道
func NewPipeline(
	store AlertStore,
	directory RecipientDirectory,
	dispatcher Dispatcher,
	emitter Emitter,
	redisClient *redis.Client,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Minute
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Minute
	}

	return &Pipeline{
		store:      store,
		directory:  directory,
		dispatcher: dispatcher,
		emitter:    emitter,
		claims:     newDispatchClaims(redisClient, opts.ClaimTTL),
		opts:       opts,
		logger:     logger,
	}
}

// CreateAlert 创建单条通知（status = pending）
func (p *Pipeline) CreateAlert(
	ctx context.Context,
	buildingID, eventID, recipientID, alertType string,
	method models.AlertMethod,
	title, message string,
	priority models.AlertPriority,
	scheduledAt *time.Time,
) (*models.Alert, error) {
	now := time.Now()
	at := now
	if scheduledAt != nil {
		at = *scheduledAt
	}

	alert := &models.Alert{
		ID:          uuid.New().String(),
		BuildingID:  buildingID,
		EventID:     eventID,
		RecipientID: recipientID,
		Type:        alertType,
		Method:      method,
		Title:       title,
		Message:     message,
		Priority:    priority,
		Status:      models.AlertStatusPending,
		ScheduledAt: at,
		RetryCount:  0,
		MaxRetries:  p.opts.MaxRetries,
		Metadata:    json.RawMessage("{}"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := p.store.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	return alert, nil
}

// ProcessEvent 消费监控事件生成通知
// 严重级别映射优先级，优先级决定渠道集合，按 (接收人 × 渠道) 各生成一条
func (p *Pipeline) ProcessEvent(ctx context.Context, event *models.MonitoringEvent) error {
	priority := models.PriorityForSeverity(event.Severity)

	recipients, err := p.directory.RecipientsForBuilding(ctx, event.BuildingID)
	if err != nil {
		return fmt.Errorf("failed to resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		p.logger.Debug("No recipients for building",
			zap.String("building_id", event.BuildingID),
			zap.String("event_type", event.EventType),
		)
		return nil
	}

	title, message := describeEvent(event)

	created := 0
	for _, recipient := range recipients {
		methods := recipient.Preferences[priority]
		if len(methods) == 0 {
			methods = models.MethodsForPriority(priority)
		}

		for _, method := range lo.Uniq(methods) {
			if _, err := p.CreateAlert(ctx,
				event.BuildingID, event.EventID, recipient.UserID,
				event.EventType, method, title, message, priority, nil,
			); err != nil {
				// 单条创建失败不影响同批其它通知
				p.logger.Error("Failed to create alert for recipient",
					zap.String("event_id", event.EventID),
					zap.String("recipient_id", recipient.UserID),
					zap.String("method", string(method)),
					zap.Error(err),
				)
				continue
			}
			created++
		}
	}

	p.logger.Info("Event processed into alerts",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("priority", string(priority)),
		zap.Int("alerts_created", created),
	)

	return nil
}

// SendPendingAlerts 派发到期的 pending 通知
// 每条先 CAS 占用（pending → sending），失败不影响同批其它通知
func (p *Pipeline) SendPendingAlerts(ctx context.Context) error {
	pending, err := p.store.FindPending(ctx, time.Now(), p.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to find pending alerts: %w", err)
	}

	for _, alert := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := p.store.ClaimForSending(ctx, alert.ID, models.AlertStatusPending)
		if err != nil {
			p.logger.Error("Failed to claim pending alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
			continue
		}
		if !claimed {
			continue // 已被并发扫描占用
		}

		p.dispatchAlert(ctx, alert)
	}

	return nil
}

// RetryFailedAlerts 重试失败的通知
// 条件由仓库过滤（failed 且 retry_count < max_retries 且退避已到）；
// Redis 占用 + CAS 双重保护，避免并发扫描重复派发
func (p *Pipeline) RetryFailedAlerts(ctx context.Context) error {
	retryable, err := p.store.FindForRetry(ctx, time.Now(), p.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to find retryable alerts: %w", err)
	}

	for _, alert := range retryable {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		acquired, err := p.claims.Acquire(ctx, alert.ID)
		if err != nil {
			p.logger.Error("Failed to acquire retry claim",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
			continue
		}
		if !acquired {
			continue
		}

		claimed, err := p.store.ClaimForSending(ctx, alert.ID, models.AlertStatusFailed)
		if err != nil || !claimed {
			p.claims.Release(ctx, alert.ID)
			if err != nil {
				p.logger.Error("Failed to claim alert for retry",
					zap.String("alert_id", alert.ID),
					zap.Error(err),
				)
			}
			continue
		}

		p.retryAlert(ctx, alert)
		p.claims.Release(ctx, alert.ID)
	}

	return nil
}

// dispatchAlert 派发单条通知（调用方已占用 sending 状态）
// 首次派发失败不计入 retry_count
func (p *Pipeline) dispatchAlert(ctx context.Context, alert *models.Alert) {
	if err := p.deliver(ctx, alert); err != nil {
		if markErr := p.store.MarkAsFailed(ctx, alert.ID, err.Error()); markErr != nil {
			p.logger.Error("Failed to mark alert failed",
				zap.String("alert_id", alert.ID),
				zap.Error(markErr),
			)
		}
		p.logger.Warn("Alert dispatch failed",
			zap.String("alert_id", alert.ID),
			zap.String("method", string(alert.Method)),
			zap.Error(err),
		)
		return
	}

	if err := p.store.MarkAsSent(ctx, alert.ID); err != nil {
		p.logger.Error("Failed to mark alert sent",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
	}
}

// retryAlert 重试单条通知（调用方已占用 sending 状态）
// 再次失败递增 retry_count 并按指数退避推迟下次尝试；
// 达到 max_retries 后终态 failed，等待操作员处理
func (p *Pipeline) retryAlert(ctx context.Context, alert *models.Alert) {
	err := p.deliver(ctx, alert)
	if err == nil {
		if markErr := p.store.MarkAsSent(ctx, alert.ID); markErr != nil {
			p.logger.Error("Failed to mark retried alert sent",
				zap.String("alert_id", alert.ID),
				zap.Error(markErr),
			)
		}
		return
	}

	count, incErr := p.store.IncrementRetryCount(ctx, alert.ID)
	if incErr != nil {
		p.logger.Error("Failed to increment retry count",
			zap.String("alert_id", alert.ID),
			zap.Error(incErr),
		)
		count = alert.RetryCount + 1
	}

	if markErr := p.store.MarkAsFailed(ctx, alert.ID, err.Error()); markErr != nil {
		p.logger.Error("Failed to mark retried alert failed",
			zap.String("alert_id", alert.ID),
			zap.Error(markErr),
		)
	}

	if count >= alert.MaxRetries {
		// 终态：不再被 FindForRetry 选中，由操作员视图呈现
		p.logger.Error("Alert retries exhausted",
			zap.String("alert_id", alert.ID),
			zap.String("method", string(alert.Method)),
			zap.Int("retry_count", count),
			zap.String("reason", err.Error()),
		)
		return
	}

	next := time.Now().Add(p.backoff(count))
	if schedErr := p.store.UpdateScheduledAt(ctx, alert.ID, next); schedErr != nil {
		p.logger.Error("Failed to schedule retry",
			zap.String("alert_id", alert.ID),
			zap.Error(schedErr),
		)
	}

	p.logger.Warn("Alert retry failed, rescheduled",
		zap.String("alert_id", alert.ID),
		zap.Int("retry_count", count),
		zap.Time("next_attempt", next),
	)
}

// deliver 实际投递
// in_app 直接走网关推送到接收人的所有连接，不经过外部渠道，视为无条件成功
func (p *Pipeline) deliver(ctx context.Context, alert *models.Alert) error {
	if alert.Method == models.MethodInApp {
		p.emitter.EmitToUser(alert.RecipientID, "alert:new", alert)
		return nil
	}

	deliveryID, err := p.dispatcher.Dispatch(ctx, alert)
	if err != nil {
		return err
	}

	p.logger.Debug("Alert delivered to provider",
		zap.String("alert_id", alert.ID),
		zap.String("delivery_id", deliveryID),
	)
	return nil
}

// CancelAlert 取消尚未派发的通知（仅 pending 可取消，管理操作）
func (p *Pipeline) CancelAlert(ctx context.Context, alertID string) error {
	if err := p.store.Cancel(ctx, alertID); err != nil {
		return fmt.Errorf("failed to cancel alert: %w", err)
	}
	return nil
}

// MarkAlertAsDelivered 提供商回执：sent → delivered
func (p *Pipeline) MarkAlertAsDelivered(ctx context.Context, alertID string) error {
	if err := p.store.MarkAsDelivered(ctx, alertID); err != nil {
		return fmt.Errorf("failed to mark alert delivered: %w", err)
	}
	return nil
}

// MarkAlertAsRead 操作员确认已读：sent/delivered → read，并向楼宇广播
func (p *Pipeline) MarkAlertAsRead(ctx context.Context, alertID string) error {
	alert, err := p.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}

	if err := p.store.MarkAsRead(ctx, alertID); err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}

	p.emitter.EmitToBuilding(alert.BuildingID, "alert:read", map[string]string{
		"alert_id":    alert.ID,
		"building_id": alert.BuildingID,
		"event_id":    alert.EventID,
	})

	return nil
}

// backoff 指数退避：base * 2^(n-1)，上限 BackoffMax
func (p *Pipeline) backoff(retryCount int) time.Duration {
	d := p.opts.BackoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= p.opts.BackoffMax {
			return p.opts.BackoffMax
		}
	}
	if d > p.opts.BackoffMax {
		return p.opts.BackoffMax
	}
	return d
}

// describeEvent 事件类型到通知标题/正文
func describeEvent(event *models.MonitoringEvent) (string, string) {
	switch event.EventType {
	case models.EventTypeDoorForced:
		return "Door forced open", fmt.Sprintf("Forced entry detected on device %s", event.DeviceID)
	case models.EventTypeAccessDenied:
		return "Access denied", fmt.Sprintf("Access denied at device %s", event.DeviceID)
	case models.EventTypeMotion:
		return "Motion detected", fmt.Sprintf("Motion detected by device %s", event.DeviceID)
	case models.EventTypeDeviceOffline, models.EventTypeCameraOffline:
		return "Device offline", fmt.Sprintf("Device %s is no longer reachable", event.DeviceID)
	case models.EventTypeDeviceOnline, models.EventTypeCameraOnline:
		return "Device online", fmt.Sprintf("Device %s is reachable again", event.DeviceID)
	default:
		return event.EventType, fmt.Sprintf("Event %s reported by device %s", event.EventType, event.DeviceID)
	}
}
