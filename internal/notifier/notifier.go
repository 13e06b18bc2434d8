package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// Channel 单个通知渠道
// Send 成功返回提供商的投递ID；失败返回错误，由报警管道记录并安排重试
type Channel interface {
	Send(ctx context.Context, alert *models.Alert) (string, error)
}

// Config 通知提供商配置
type Config struct {
	EmailEndpoint string
	SMSEndpoint   string
	PushEndpoint  string
	APIKey        string
	Timeout       time.Duration
}

// Registry 渠道注册表：method → Channel
// in_app 不在这里注册，由报警管道直接走网关推送
type Registry struct {
	channels map[models.AlertMethod]Channel
	logger   *zap.Logger
}

// NewRegistry 创建渠道注册表并注册所有外部渠道
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey)

	return &Registry{
		channels: map[models.AlertMethod]Channel{
			models.MethodEmail:   &emailChannel{client: client, endpoint: cfg.EmailEndpoint},
			models.MethodSMS:     &smsChannel{client: client, endpoint: cfg.SMSEndpoint},
			models.MethodPush:    &pushChannel{client: client, endpoint: cfg.PushEndpoint},
			models.MethodWebhook: &webhookChannel{client: resty.New().SetTimeout(cfg.Timeout)},
		},
		logger: logger,
	}
}

// Dispatch 按通知的 method 选择渠道发送
func (r *Registry) Dispatch(ctx context.Context, alert *models.Alert) (string, error) {
	channel, ok := r.channels[alert.Method]
	if !ok {
		return "", fmt.Errorf("no channel registered for method: %s", alert.Method)
	}
	return channel.Send(ctx, alert)
}

// deliveryResponse 提供商统一的响应格式
type deliveryResponse struct {
	DeliveryID string `json:"delivery_id"`
	Error      string `json:"error,omitempty"`
}

func postDelivery(ctx context.Context, client *resty.Client, endpoint string, body interface{}) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("channel endpoint not configured")
	}

	var result deliveryResponse
	resp, err := client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(endpoint)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode())
	}
	if result.DeliveryID == "" {
		return "", fmt.Errorf("provider accepted but returned no delivery id")
	}

	return result.DeliveryID, nil
}
