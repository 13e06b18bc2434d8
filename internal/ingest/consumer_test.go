package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

type captureSink struct {
	mu     sync.Mutex
	events []*models.MonitoringEvent
}

func (s *captureSink) HandleEvent(ctx context.Context, event *models.MonitoringEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func newTestConsumer(sink EventSink) *Consumer {
	return &Consumer{
		qos:    1,
		sink:   sink,
		logger: zap.NewNop(),
	}
}

func TestHandleMessage_Success(t *testing.T) {
	sink := &captureSink{}
	c := newTestConsumer(sink)

	payload := []byte(`{"event_type":"door_forced","timestamp":1755900000,"metadata":{"badge":"none"}}`)
	err := c.HandleMessage("forten/building-1/door-7/event", payload)
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	event := sink.events[0]
	assert.Equal(t, "building-1", event.BuildingID)
	assert.Equal(t, "door-7", event.DeviceID)
	assert.Equal(t, models.EventTypeDoorForced, event.EventType)
	// 缺省严重级别按事件类型推断
	assert.Equal(t, models.SeverityCritical, event.Severity)
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, int64(1755900000), event.CreatedAt.Unix())
}

func TestHandleMessage_ReportedSeverityWins(t *testing.T) {
	sink := &captureSink{}
	c := newTestConsumer(sink)

	payload := []byte(`{"event_type":"door_forced","severity":"low"}`)
	require.NoError(t, c.HandleMessage("forten/building-1/door-7/event", payload))

	require.Len(t, sink.events, 1)
	assert.Equal(t, models.SeverityLow, sink.events[0].Severity)
}

func TestHandleMessage_MalformedTopic(t *testing.T) {
	sink := &captureSink{}
	c := newTestConsumer(sink)

	err := c.HandleMessage("forten/building-1/event", []byte(`{"event_type":"motion"}`))
	assert.Error(t, err)
	assert.Empty(t, sink.events)
}

func TestHandleMessage_UndecodablePayload(t *testing.T) {
	sink := &captureSink{}
	c := newTestConsumer(sink)

	err := c.HandleMessage("forten/building-1/cam-1/event", []byte(`not-json`))
	assert.Error(t, err)
	assert.Empty(t, sink.events)
}

func TestHandleMessage_MissingEventType(t *testing.T) {
	sink := &captureSink{}
	c := newTestConsumer(sink)

	err := c.HandleMessage("forten/building-1/cam-1/event", []byte(`{}`))
	assert.Error(t, err)
	assert.Empty(t, sink.events)
}

func TestParseTopic(t *testing.T) {
	buildingID, deviceID, err := parseTopic("forten/b1/d1/event")
	require.NoError(t, err)
	assert.Equal(t, "b1", buildingID)
	assert.Equal(t, "d1", deviceID)

	_, _, err = parseTopic("other/b1/d1/event")
	assert.Error(t, err)

	_, _, err = parseTopic("forten//d1/event")
	assert.Error(t, err)
}

func TestSeverityFor_Defaults(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, severityFor(models.EventTypeDoorForced, ""))
	assert.Equal(t, models.SeverityHigh, severityFor(models.EventTypeAccessDenied, ""))
	assert.Equal(t, models.SeverityMedium, severityFor(models.EventTypeMotion, ""))
	assert.Equal(t, models.SeverityLow, severityFor("unknown_type", ""))
	assert.Equal(t, models.SeverityHigh, severityFor(models.EventTypeMotion, "high"))
}
