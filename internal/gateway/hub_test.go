package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub() *Hub {
	return NewHub(nil, nil, nil, nil, nil, zap.NewNop())
}

func newTestClient(hub *Hub, userID string, queueSize int, buildings ...string) *Client {
	return &Client{
		hub: hub,
		claims: &Claims{
			UserID:    userID,
			Role:      "operator",
			Buildings: buildings,
		},
		send:          make(chan []byte, queueSize),
		subscriptions: make(map[string]struct{}),
		logger:        zap.NewNop(),
	}
}

func receive(t *testing.T, c *Client) *Envelope {
	select {
	case message := <-c.send:
		var envelope Envelope
		require.NoError(t, json.Unmarshal(message, &envelope))
		return &envelope
	default:
		return nil
	}
}

func TestRegister_AutoSubscribesGrantedBuildings(t *testing.T) {
	hub := newTestHub()
	client := newTestClient(hub, "guard-1", 8, "building-1", "building-2")
	hub.register(client)

	hub.EmitToBuilding("building-1", "event:new", map[string]string{"event_id": "e1"})
	hub.EmitToBuilding("building-2", "event:new", map[string]string{"event_id": "e2"})
	hub.EmitToBuilding("building-3", "event:new", map[string]string{"event_id": "e3"})

	first := receive(t, client)
	require.NotNil(t, first)
	assert.Equal(t, "event:new", first.Event)

	second := receive(t, client)
	require.NotNil(t, second)

	// 未订阅的楼宇不会收到
	assert.Nil(t, receive(t, client))
}

func TestSubscribe_DeniedBuilding(t *testing.T) {
	hub := newTestHub()
	client := newTestClient(hub, "guard-1", 8, "building-1")
	hub.register(client)

	err := hub.Subscribe(client, "building-9")
	assert.ErrorIs(t, err, ErrBuildingNotAllowed)

	// 拒绝后零扩散
	hub.EmitToBuilding("building-9", "event:new", nil)
	assert.Nil(t, receive(t, client))
}

func TestSubscribe_AdminAnyBuilding(t *testing.T) {
	hub := newTestHub()
	client := newTestClient(hub, "admin-1", 8)
	client.claims.Role = RoleAdmin
	hub.register(client)

	require.NoError(t, hub.Subscribe(client, "building-9"))

	hub.EmitToBuilding("building-9", "event:new", nil)
	assert.NotNil(t, receive(t, client))
}

func TestUnsubscribe_StopsFanout(t *testing.T) {
	hub := newTestHub()
	client := newTestClient(hub, "guard-1", 8, "building-1")
	hub.register(client)

	hub.Unsubscribe(client, "building-1")
	hub.EmitToBuilding("building-1", "event:new", nil)
	assert.Nil(t, receive(t, client))
}

func TestUnregister_FullUnwind(t *testing.T) {
	hub := newTestHub()
	client := newTestClient(hub, "guard-1", 8, "building-1")
	hub.register(client)
	hub.unregister(client)

	// 发送通道已关闭
	_, open := <-client.send
	assert.False(t, open)

	// 注销后任何 fan-out 都不会触达（也不会 panic）
	hub.EmitToBuilding("building-1", "event:new", nil)
	hub.EmitToUser("guard-1", "alert:new", nil)
	hub.Emit("system:notice", nil)

	// 重复注销是空操作
	hub.unregister(client)
}

func TestEmitToUser_ReachesAllConnections(t *testing.T) {
	hub := newTestHub()
	first := newTestClient(hub, "guard-1", 8)
	second := newTestClient(hub, "guard-1", 8)
	other := newTestClient(hub, "guard-2", 8)
	hub.register(first)
	hub.register(second)
	hub.register(other)

	hub.EmitToUser("guard-1", "alert:new", map[string]string{"alert_id": "a1"})

	assert.NotNil(t, receive(t, first))
	assert.NotNil(t, receive(t, second))
	assert.Nil(t, receive(t, other))
}

func TestPush_SlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	hub := newTestHub()
	client := newTestClient(hub, "guard-1", 1, "building-1")
	hub.register(client)

	// 缓冲只有 1：第二条被丢弃而不是阻塞 fan-out
	hub.EmitToBuilding("building-1", "event:new", map[string]string{"event_id": "e1"})
	hub.EmitToBuilding("building-1", "event:new", map[string]string{"event_id": "e2"})

	assert.NotNil(t, receive(t, client))
	assert.Nil(t, receive(t, client))
}
