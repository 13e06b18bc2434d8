package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// StreamController starts viewing sessions on behalf of connected operators.
// Implemented by streaming.Manager.
type StreamController interface {
	StartLiveStream(ctx context.Context, deviceID, userID string, quality models.StreamQuality) (*models.StreamSession, error)
}

// DeviceController forwards control commands to downstream device services.
type DeviceController interface {
	ControlPTZ(ctx context.Context, deviceID, action string, params map[string]float64) error
	ControlDoor(ctx context.Context, deviceID, action string) error
}

// AlertAcker acknowledges alerts. Implemented by alerts.Pipeline.
type AlertAcker interface {
	MarkAlertAsRead(ctx context.Context, alertID string) error
}

// EventAcker records operator acknowledgement of monitoring events.
type EventAcker interface {
	AcknowledgeEvent(ctx context.Context, eventID, userID string) error
}

// DeviceResolver looks devices up for per-building authorization checks.
// Implemented by repository.DeviceRepository.
type DeviceResolver interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// Envelope is the wire format for server-to-client events.
type Envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hub owns the connection registry and the building subscription index.
// All membership mutations happen under hub.mu so fan-out never observes a
// half-updated index; emits hold the read lock so a connection can never be
// written to after its unwind has begun.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	byUser     map[string]map[*Client]struct{}
	byBuilding map[string]map[*Client]struct{}

	streams StreamController
	devices DeviceController
	alerts  AlertAcker
	events  EventAcker
	lookup  DeviceResolver

	logger *zap.Logger
}

// NewHub creates the gateway hub.
func NewHub(
	streams StreamController,
	devices DeviceController,
	alerts AlertAcker,
	events EventAcker,
	lookup DeviceResolver,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		byBuilding: make(map[string]map[*Client]struct{}),
		streams:    streams,
		devices:    devices,
		alerts:     alerts,
		events:     events,
		lookup:     lookup,
		logger:     logger,
	}
}

// register adds an authenticated connection and auto-subscribes it to every
// building its credential grants.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}

	if h.byUser[c.claims.UserID] == nil {
		h.byUser[c.claims.UserID] = make(map[*Client]struct{})
	}
	h.byUser[c.claims.UserID][c] = struct{}{}

	for _, buildingID := range c.claims.Buildings {
		h.subscribeLocked(c, buildingID)
	}

	h.logger.Info("Gateway connection registered",
		zap.String("user_id", c.claims.UserID),
		zap.String("role", c.claims.Role),
		zap.Int("buildings", len(c.claims.Buildings)),
	)
}

// unregister fully unwinds a connection: every per-user and per-building
// reference is removed before the send channel closes, so no later fan-out
// can reach it.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)

	if set := h.byUser[c.claims.UserID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.claims.UserID)
		}
	}

	for buildingID := range c.subscriptions {
		if set := h.byBuilding[buildingID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byBuilding, buildingID)
			}
		}
	}

	close(c.send)

	h.logger.Info("Gateway connection unregistered",
		zap.String("user_id", c.claims.UserID),
	)
}

// Subscribe adds a building subscription after an authorization check.
func (h *Hub) Subscribe(c *Client, buildingID string) error {
	if !c.claims.CanAccessBuilding(buildingID) {
		return ErrBuildingNotAllowed
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(c, buildingID)
	return nil
}

func (h *Hub) subscribeLocked(c *Client, buildingID string) {
	if h.byBuilding[buildingID] == nil {
		h.byBuilding[buildingID] = make(map[*Client]struct{})
	}
	h.byBuilding[buildingID][c] = struct{}{}
	c.subscriptions[buildingID] = struct{}{}
}

// Unsubscribe removes a building subscription.
func (h *Hub) Unsubscribe(c *Client, buildingID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(c.subscriptions, buildingID)
	if set := h.byBuilding[buildingID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byBuilding, buildingID)
		}
	}
}

// EmitToBuilding fans an event out to every connection subscribed to the
// building.
func (h *Hub) EmitToBuilding(buildingID, event string, payload interface{}) {
	message, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("Failed to marshal gateway event",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.byBuilding[buildingID] {
		h.push(c, event, message)
	}
}

// EmitToUser reaches every connection of a user regardless of subscriptions.
func (h *Hub) EmitToUser(userID, event string, payload interface{}) {
	message, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("Failed to marshal gateway event",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.byUser[userID] {
		h.push(c, event, message)
	}
}

// Emit broadcasts to every connected client.
func (h *Hub) Emit(event string, payload interface{}) {
	message, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("Failed to marshal gateway event",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		h.push(c, event, message)
	}
}

// push queues a message on a connection's send buffer. Slow consumers drop
// messages instead of stalling fan-out for everyone else.
func (h *Hub) push(c *Client, event string, message []byte) {
	select {
	case c.send <- message:
	default:
		h.logger.Warn("Dropping event for slow gateway consumer",
			zap.String("user_id", c.claims.UserID),
			zap.String("event", event),
		)
	}
}

func marshalEnvelope(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Payload: payload})
}
