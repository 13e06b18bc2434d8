package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// Prober 设备可达性探测器
type Prober interface {
	// Probe 探测设备可达性，返回 nil 表示可达
	Probe(ctx context.Context, device *models.Device) error
}

// HTTPProber 通过设备的健康端点做 HTTP 探测
type HTTPProber struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPProber 创建 HTTP 探测器
func NewHTTPProber(timeout time.Duration, logger *zap.Logger) *HTTPProber {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0)

	return &HTTPProber{
		client: client,
		logger: logger,
	}
}

// Probe 请求设备的探测地址，非 2xx 视为不可达
func (p *HTTPProber) Probe(ctx context.Context, device *models.Device) error {
	if device.ProbeAddr == "" {
		return fmt.Errorf("device has no probe address: %s", device.DeviceID)
	}

	resp, err := p.client.R().SetContext(ctx).Get(device.ProbeAddr)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("probe returned status %d", resp.StatusCode())
	}

	return nil
}
