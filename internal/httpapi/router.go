package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// EventSink 外部系统注入事件的落点
type EventSink interface {
	HandleEvent(ctx context.Context, event *models.MonitoringEvent) error
}

// EventReader 查询最近事件
type EventReader interface {
	FindRecent(ctx context.Context, buildingID string, limit int) ([]*models.MonitoringEvent, error)
}

// SessionLister 活跃会话查询（运维诊断用）
type SessionLister interface {
	ActiveSessions() []*models.StreamSession
}

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux      *http.ServeMux
	apiKey   string
	events   EventSink
	reader   EventReader
	sessions SessionLister
	logger   *zap.Logger
}

// NewRouter 创建 HTTP 路由并注册全部端点
func NewRouter(
	apiKey string,
	ws http.HandlerFunc,
	streamDir string,
	events EventSink,
	reader EventReader,
	sessions SessionLister,
	logger *zap.Logger,
) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		apiKey:   apiKey,
		events:   events,
		reader:   reader,
		sessions: sessions,
		logger:   logger,
	}

	r.mux.HandleFunc("/health", r.handleHealth)
	r.mux.HandleFunc("/ws", ws)

	// HLS 切片按会话目录静态服务，播放器轮询 index.m3u8
	r.mux.Handle("/streams/", http.StripPrefix("/streams/", http.FileServer(http.Dir(streamDir))))

	r.mux.HandleFunc("/api/v1/events", r.handleEvents)
	r.mux.HandleFunc("/api/v1/sessions", r.handleSessions)

	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents POST 注入事件 / GET 查询最近事件
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		return
	}

	switch req.Method {
	case http.MethodPost:
		r.postEvent(w, req)
	case http.MethodGet:
		r.listEvents(w, req)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// postEvent 外部系统（消防、门禁联动等）通过 HTTP 注入事件
func (r *Router) postEvent(w http.ResponseWriter, req *http.Request) {
	var body struct {
		DeviceID   string          `json:"device_id"`
		BuildingID string          `json:"building_id"`
		EventType  string          `json:"event_type"`
		Severity   string          `json:"severity"`
		Metadata   json.RawMessage `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.DeviceID == "" || body.BuildingID == "" || body.EventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id, building_id and event_type are required"})
		return
	}

	severity := models.EventSeverity(body.Severity)
	switch severity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
	default:
		severity = models.SeverityMedium
	}

	event := &models.MonitoringEvent{
		EventID:    uuid.New().String(),
		DeviceID:   body.DeviceID,
		BuildingID: body.BuildingID,
		EventType:  body.EventType,
		Severity:   severity,
		Metadata:   body.Metadata,
		CreatedAt:  time.Now(),
	}

	if err := r.events.HandleEvent(req.Context(), event); err != nil {
		r.logger.Error("Failed to ingest event via HTTP",
			zap.String("event_type", body.EventType),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to process event"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"event_id": event.EventID})
}

func (r *Router) listEvents(w http.ResponseWriter, req *http.Request) {
	buildingID := req.URL.Query().Get("building_id")
	if buildingID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "building_id is required"})
		return
	}

	events, err := r.reader.FindRecent(req.Context(), buildingID, 100)
	if err != nil {
		r.logger.Error("Failed to list recent events",
			zap.String("building_id", buildingID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query events"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (r *Router) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !r.authorized(req) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": r.sessions.ActiveSessions()})
}

func (r *Router) authorized(req *http.Request) bool {
	return r.apiKey != "" && req.Header.Get("X-API-Key") == r.apiKey
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
