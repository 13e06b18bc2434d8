package videosource

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Config 视频管理系统(VMS)与门禁控制器的接入配置
type Config struct {
	BaseURL     string
	DoorBaseURL string
	APIKey      string
	Timeout     time.Duration
}

// Client 外部视频管理系统客户端
// 所有请求以设备的外部标识(ExternalID)寻址
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient 创建 VMS 客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("X-API-Key", cfg.APIKey)

	return &Client{
		http:   http,
		logger: logger,
	}
}

// streamURLResponse VMS 取流接口的响应
type streamURLResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// GetLiveStreamURL 获取实时流地址(RTSP/RTMP)
func (c *Client) GetLiveStreamURL(ctx context.Context, externalID string) (string, error) {
	var result streamURLResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("camera_id", externalID).
		SetResult(&result).
		Get("/api/cameras/{camera_id}/live")
	if err != nil {
		return "", fmt.Errorf("vms request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("vms returned status %d for camera %s", resp.StatusCode(), externalID)
	}
	if result.URL == "" {
		return "", fmt.Errorf("vms returned empty live url for camera %s", externalID)
	}

	return result.URL, nil
}

// GetPlaybackStreamURL 获取指定时间段的录像回放流地址
func (c *Client) GetPlaybackStreamURL(ctx context.Context, externalID string, start, end time.Time) (string, error) {
	var result streamURLResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("camera_id", externalID).
		SetQueryParams(map[string]string{
			"start": start.UTC().Format(time.RFC3339),
			"end":   end.UTC().Format(time.RFC3339),
		}).
		SetResult(&result).
		Get("/api/cameras/{camera_id}/playback")
	if err != nil {
		return "", fmt.Errorf("vms request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("vms returned status %d for camera %s", resp.StatusCode(), externalID)
	}
	if result.URL == "" {
		return "", fmt.Errorf("vms returned empty playback url for camera %s", externalID)
	}

	return result.URL, nil
}

// CaptureSnapshot 抓拍当前画面，返回 JPEG 字节
func (c *Client) CaptureSnapshot(ctx context.Context, externalID string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("camera_id", externalID).
		Get("/api/cameras/{camera_id}/snapshot")
	if err != nil {
		return nil, fmt.Errorf("vms request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("vms returned status %d for camera %s", resp.StatusCode(), externalID)
	}

	return resp.Body(), nil
}

// ControlPTZ 云台控制：pan/tilt/zoom/preset
func (c *Client) ControlPTZ(ctx context.Context, externalID, action string, params map[string]float64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("camera_id", externalID).
		SetBody(map[string]interface{}{
			"action": action,
			"params": params,
		}).
		Post("/api/cameras/{camera_id}/ptz")
	if err != nil {
		return fmt.Errorf("vms request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("vms returned status %d for camera %s", resp.StatusCode(), externalID)
	}

	c.logger.Info("PTZ command sent",
		zap.String("camera_id", externalID),
		zap.String("action", action),
	)
	return nil
}

// DoorClient 门禁控制器客户端
type DoorClient struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewDoorClient 创建门禁控制器客户端
func NewDoorClient(cfg Config, logger *zap.Logger) *DoorClient {
	http := resty.New().
		SetBaseURL(cfg.DoorBaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("X-API-Key", cfg.APIKey)

	return &DoorClient{
		http:   http,
		logger: logger,
	}
}

// ControlDoor 门禁控制：lock/unlock/open
func (d *DoorClient) ControlDoor(ctx context.Context, externalID, action string) error {
	resp, err := d.http.R().
		SetContext(ctx).
		SetPathParam("door_id", externalID).
		SetBody(map[string]string{"action": action}).
		Post("/api/doors/{door_id}/control")
	if err != nil {
		return fmt.Errorf("door controller request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("door controller returned status %d for door %s", resp.StatusCode(), externalID)
	}

	d.logger.Info("Door command sent",
		zap.String("door_id", externalID),
		zap.String("action", action),
	)
	return nil
}
