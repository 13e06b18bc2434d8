package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// smsMaxRunes 短信正文长度上限（按字符计，不按字节）
const smsMaxRunes = 160

// emailChannel 邮件渠道
type emailChannel struct {
	client   *resty.Client
	endpoint string
}

func (c *emailChannel) Send(ctx context.Context, alert *models.Alert) (string, error) {
	return postDelivery(ctx, c.client, c.endpoint, map[string]interface{}{
		"recipient_id": alert.RecipientID,
		"subject":      alert.Title,
		"body":         alert.Message,
		"priority":     alert.Priority,
		"alert_id":     alert.ID,
	})
}

// smsChannel 短信渠道
type smsChannel struct {
	client   *resty.Client
	endpoint string
}

func (c *smsChannel) Send(ctx context.Context, alert *models.Alert) (string, error) {
	return postDelivery(ctx, c.client, c.endpoint, map[string]interface{}{
		"recipient_id": alert.RecipientID,
		"text":         smsText(alert),
		"alert_id":     alert.ID,
	})
}

// smsText 组装短信正文：标题+正文摘要，超长时在字符边界截断
func smsText(alert *models.Alert) string {
	text := alert.Title
	if alert.Message != "" {
		text = fmt.Sprintf("%s: %s", alert.Title, alert.Message)
	}
	if utf8.RuneCountInString(text) > smsMaxRunes {
		runes := []rune(text)
		text = string(runes[:smsMaxRunes-3]) + "..."
	}
	return text
}

// pushChannel 移动端推送渠道
type pushChannel struct {
	client   *resty.Client
	endpoint string
}

func (c *pushChannel) Send(ctx context.Context, alert *models.Alert) (string, error) {
	return postDelivery(ctx, c.client, c.endpoint, map[string]interface{}{
		"recipient_id": alert.RecipientID,
		"title":        alert.Title,
		"body":         alert.Message,
		"priority":     alert.Priority,
		"data": map[string]string{
			"alert_id":    alert.ID,
			"building_id": alert.BuildingID,
			"event_id":    alert.EventID,
		},
	})
}

// webhookChannel Webhook 渠道
// 目标 URL 从通知的 metadata.webhook_url 读取（由接收人配置）
type webhookChannel struct {
	client *resty.Client
}

func (c *webhookChannel) Send(ctx context.Context, alert *models.Alert) (string, error) {
	var meta struct {
		WebhookURL string `json:"webhook_url"`
	}
	if len(alert.Metadata) > 0 {
		if err := json.Unmarshal(alert.Metadata, &meta); err != nil {
			return "", fmt.Errorf("invalid alert metadata: %w", err)
		}
	}
	if meta.WebhookURL == "" {
		return "", fmt.Errorf("alert has no webhook_url in metadata")
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(alert).
		Post(meta.WebhookURL)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	// Webhook 没有提供商投递ID，用通知ID代替
	return alert.ID, nil
}
