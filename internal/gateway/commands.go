package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// Command actions accepted by the gateway.
const (
	ActionSubscribe    = "subscribe:building"
	ActionUnsubscribe  = "unsubscribe:building"
	ActionStreamStart  = "camera:stream:start"
	ActionCameraCtl    = "camera:control"
	ActionDoorCtl      = "door:control"
	ActionAlertAck     = "alert:acknowledge"
	ActionEventAck     = "event:acknowledge"
)

var (
	// ErrBuildingNotAllowed 楼宇不在凭证授权范围内
	ErrBuildingNotAllowed = errors.New("building not allowed for this credential")
	// ErrPermissionDenied 凭证缺少所需权限
	ErrPermissionDenied = errors.New("permission denied")
)

const commandTimeout = 15 * time.Second

// handleCommand authorizes and executes one command. Denials answer with an
// explicit error event and a security log line; the connection stays open.
func (c *Client) handleCommand(cmd *Command) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Action {
	case ActionSubscribe:
		err = c.handleSubscribe(cmd)
	case ActionUnsubscribe:
		err = c.handleUnsubscribe(cmd)
	case ActionStreamStart:
		err = c.handleStreamStart(ctx, cmd)
	case ActionCameraCtl:
		err = c.handleCameraControl(ctx, cmd)
	case ActionDoorCtl:
		err = c.handleDoorControl(ctx, cmd)
	case ActionAlertAck:
		err = c.handleAlertAck(ctx, cmd)
	case ActionEventAck:
		err = c.handleEventAck(ctx, cmd)
	default:
		err = errors.New("unknown action")
	}

	if err != nil {
		c.denied(cmd, err)
	}
}

// denied reports a command failure back to the caller.
func (c *Client) denied(cmd *Command, err error) {
	if errors.Is(err, ErrBuildingNotAllowed) || errors.Is(err, ErrPermissionDenied) {
		// security-relevant denial
		c.logger.Warn("Gateway command denied",
			zap.String("user_id", c.claims.UserID),
			zap.String("role", c.claims.Role),
			zap.String("action", cmd.Action),
			zap.Error(err),
		)
	} else {
		c.logger.Error("Gateway command failed",
			zap.String("user_id", c.claims.UserID),
			zap.String("action", cmd.Action),
			zap.Error(err),
		)
	}

	c.sendEvent("error", map[string]string{
		"action":     cmd.Action,
		"request_id": cmd.RequestID,
		"reason":     err.Error(),
	})
}

// ack confirms a successful command.
func (c *Client) ack(cmd *Command, payload interface{}) {
	c.logger.Info("Gateway command accepted",
		zap.String("user_id", c.claims.UserID),
		zap.String("action", cmd.Action),
	)
	c.sendEvent(cmd.Action+":ok", map[string]interface{}{
		"request_id": cmd.RequestID,
		"result":     payload,
	})
}

func (c *Client) handleSubscribe(cmd *Command) error {
	var payload struct {
		BuildingID string `json:"building_id"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.BuildingID == "" {
		return errors.New("building_id is required")
	}

	if err := c.hub.Subscribe(c, payload.BuildingID); err != nil {
		return err
	}

	c.ack(cmd, map[string]string{"building_id": payload.BuildingID})
	return nil
}

func (c *Client) handleUnsubscribe(cmd *Command) error {
	var payload struct {
		BuildingID string `json:"building_id"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.BuildingID == "" {
		return errors.New("building_id is required")
	}

	c.hub.Unsubscribe(c, payload.BuildingID)
	c.ack(cmd, map[string]string{"building_id": payload.BuildingID})
	return nil
}

func (c *Client) handleStreamStart(ctx context.Context, cmd *Command) error {
	if !c.claims.HasPermission(PermCamerasView) {
		return ErrPermissionDenied
	}

	var payload struct {
		DeviceID string `json:"device_id"`
		Quality  string `json:"quality"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.DeviceID == "" {
		return errors.New("device_id is required")
	}

	if err := c.authorizeDevice(ctx, payload.DeviceID); err != nil {
		return err
	}

	quality := models.StreamQuality(payload.Quality)
	if quality == "" {
		quality = models.QualityMedium
	}

	session, err := c.hub.streams.StartLiveStream(ctx, payload.DeviceID, c.claims.UserID, quality)
	if err != nil {
		return err
	}

	c.ack(cmd, session)
	return nil
}

func (c *Client) handleCameraControl(ctx context.Context, cmd *Command) error {
	if !c.claims.HasPermission(PermCamerasControl) {
		return ErrPermissionDenied
	}

	var payload struct {
		DeviceID string             `json:"device_id"`
		Action   string             `json:"action"` // pan, tilt, zoom, preset
		Params   map[string]float64 `json:"params"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.DeviceID == "" || payload.Action == "" {
		return errors.New("device_id and action are required")
	}

	if err := c.authorizeDevice(ctx, payload.DeviceID); err != nil {
		return err
	}

	if err := c.hub.devices.ControlPTZ(ctx, payload.DeviceID, payload.Action, payload.Params); err != nil {
		return err
	}

	c.ack(cmd, map[string]string{"device_id": payload.DeviceID, "action": payload.Action})
	return nil
}

func (c *Client) handleDoorControl(ctx context.Context, cmd *Command) error {
	if !c.claims.HasPermission(PermDoorsControl) {
		return ErrPermissionDenied
	}

	var payload struct {
		DeviceID string `json:"device_id"`
		Action   string `json:"action"` // lock, unlock, open
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.DeviceID == "" || payload.Action == "" {
		return errors.New("device_id and action are required")
	}

	if err := c.authorizeDevice(ctx, payload.DeviceID); err != nil {
		return err
	}

	if err := c.hub.devices.ControlDoor(ctx, payload.DeviceID, payload.Action); err != nil {
		return err
	}

	c.ack(cmd, map[string]string{"device_id": payload.DeviceID, "action": payload.Action})
	return nil
}

func (c *Client) handleAlertAck(ctx context.Context, cmd *Command) error {
	if !c.claims.HasPermission(PermAlertsManage) {
		return ErrPermissionDenied
	}

	var payload struct {
		AlertID string `json:"alert_id"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.AlertID == "" {
		return errors.New("alert_id is required")
	}

	if err := c.hub.alerts.MarkAlertAsRead(ctx, payload.AlertID); err != nil {
		return err
	}

	c.ack(cmd, map[string]string{"alert_id": payload.AlertID})
	return nil
}

func (c *Client) handleEventAck(ctx context.Context, cmd *Command) error {
	if !c.claims.HasPermission(PermEventsManage) {
		return ErrPermissionDenied
	}

	var payload struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.EventID == "" {
		return errors.New("event_id is required")
	}

	if err := c.hub.events.AcknowledgeEvent(ctx, payload.EventID, c.claims.UserID); err != nil {
		return err
	}

	c.ack(cmd, map[string]string{"event_id": payload.EventID})
	return nil
}

// authorizeDevice checks that the command's target device belongs to a
// building the credential can access.
func (c *Client) authorizeDevice(ctx context.Context, deviceID string) error {
	device, err := c.hub.lookup.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !c.claims.CanAccessBuilding(device.BuildingID) {
		return ErrBuildingNotAllowed
	}
	return nil
}
