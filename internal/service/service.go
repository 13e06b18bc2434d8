package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/alerts"
	"github.com/chevastian666/forten-sub002/internal/config"
	"github.com/chevastian666/forten-sub002/internal/gateway"
	"github.com/chevastian666/forten-sub002/internal/httpapi"
	"github.com/chevastian666/forten-sub002/internal/ingest"
	"github.com/chevastian666/forten-sub002/internal/models"
	"github.com/chevastian666/forten-sub002/internal/monitor"
	"github.com/chevastian666/forten-sub002/internal/notifier"
	"github.com/chevastian666/forten-sub002/internal/repository"
	"github.com/chevastian666/forten-sub002/internal/streaming"
	"github.com/chevastian666/forten-sub002/internal/videosource"
	"github.com/chevastian666/forten-sub002/pkg/database"
	"github.com/chevastian666/forten-sub002/pkg/mqtt"
	"github.com/chevastian666/forten-sub002/pkg/redisx"
)

// eventStream 下游消费者（审计、报表）通过 XREAD 读取的事件流
const eventStream = "forten:events"

// MonitorService 监控服务（整合各层）
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	deviceRepo    *repository.DeviceRepository
	eventRepo     *repository.EventRepository
	alertRepo     *repository.AlertRepository
	recipientRepo *repository.RecipientRepository
	healthMonitor *monitor.HealthMonitor
	pipeline      *alerts.Pipeline
	hub           *gateway.Hub
	streams       *streaming.Manager
	consumer      *ingest.Consumer
	httpServer    *http.Server

	wg sync.WaitGroup
}

// NewMonitorService 创建监控服务
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisx.NewClient(&cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt: %w", err)
	}

	// 4. 创建 Repository 层
	deviceRepo := repository.NewDeviceRepository(db, logger)
	eventRepo := repository.NewEventRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	recipientRepo := repository.NewRecipientRepository(db, logger)

	// 5. 外部服务客户端
	vmsCfg := videosource.Config{
		BaseURL:     cfg.VideoSource.BaseURL,
		DoorBaseURL: cfg.VideoSource.DoorBaseURL,
		APIKey:      cfg.VideoSource.APIKey,
		Timeout:     time.Duration(cfg.VideoSource.Timeout) * time.Second,
	}
	vmsClient := videosource.NewClient(vmsCfg, logger)
	doorClient := videosource.NewDoorClient(vmsCfg, logger)

	registry := notifier.NewRegistry(notifier.Config{
		EmailEndpoint: cfg.Notify.EmailEndpoint,
		SMSEndpoint:   cfg.Notify.SMSEndpoint,
		PushEndpoint:  cfg.Notify.PushEndpoint,
		APIKey:        cfg.Notify.APIKey,
		Timeout:       time.Duration(cfg.Notify.Timeout) * time.Second,
	}, logger)

	// 6. 视频会话管理器
	transcoder := streaming.NewFFmpegTranscoder(cfg.Streaming.FFmpegPath, logger)
	streams := streaming.NewManager(
		deviceRepo,
		vmsClient,
		doorClient,
		transcoder,
		cfg.Streaming.ArtifactDir,
		time.Duration(cfg.Streaming.IdleTimeout)*time.Minute,
		time.Duration(cfg.Streaming.StopGrace)*time.Second,
		logger,
	)

	s := &MonitorService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		mqttClient:    mqttClient,
		logger:        logger,
		deviceRepo:    deviceRepo,
		eventRepo:     eventRepo,
		alertRepo:     alertRepo,
		recipientRepo: recipientRepo,
		streams:       streams,
	}

	// 7. 实时网关
	// 报警/事件确认经由 service 转发，避免 hub 与 pipeline 互相持有
	hub := gateway.NewHub(streams, streams, s, s, deviceRepo, logger)
	s.hub = hub

	// 8. 报警管道
	s.pipeline = alerts.NewPipeline(
		alertRepo,
		recipientRepo,
		registry,
		hub,
		redisClient,
		alerts.Options{
			MaxRetries:  cfg.Alerts.MaxRetries,
			BatchSize:   cfg.Alerts.BatchSize,
			BackoffBase: time.Duration(cfg.Alerts.BackoffBase) * time.Second,
			BackoffMax:  time.Duration(cfg.Alerts.BackoffMax) * time.Second,
			ClaimTTL:    time.Duration(cfg.Alerts.ClaimTTL) * time.Second,
		},
		logger,
	)

	// 9. 健康监控
	prober := monitor.NewHTTPProber(time.Duration(cfg.Monitor.ProbeTimeout)*time.Second, logger)
	s.healthMonitor = monitor.NewHealthMonitor(
		deviceRepo,
		prober,
		s,
		cfg.Monitor.MaxConcurrentProbes,
		cfg.Monitor.OfflineThreshold,
		logger,
	)

	// 10. 事件消费与 HTTP 入口
	s.consumer = ingest.NewConsumer(mqttClient, cfg.MQTT.QoS, s, logger)

	wsHandler := gateway.NewHandler(hub, gateway.Options{
		JWTSecret:     cfg.Gateway.JWTSecret,
		SendQueueSize: cfg.Gateway.SendQueueSize,
		PingInterval:  time.Duration(cfg.Gateway.PingInterval) * time.Second,
		PongWait:      time.Duration(cfg.Gateway.PongWait) * time.Second,
	}, logger)

	router := httpapi.NewRouter(
		cfg.HTTP.APIKey,
		wsHandler.ServeWS,
		cfg.Streaming.ArtifactDir,
		s,
		eventRepo,
		streams,
		logger,
	)

	s.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s, nil
}

// HandleEvent 事件统一入口：落库 → 报警管道 → 网关推送 → Redis Streams
// 落库失败视为事件未被接收；后续分发失败只记录，不回滚事件
func (s *MonitorService) HandleEvent(ctx context.Context, event *models.MonitoringEvent) error {
	if err := s.eventRepo.Create(ctx, event); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	if err := s.pipeline.ProcessEvent(ctx, event); err != nil {
		s.logger.Error("Failed to process event for alerts",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}

	s.hub.EmitToBuilding(event.BuildingID, "event:new", event)

	if _, err := redisx.PublishJSONToStream(ctx, s.redisClient, eventStream, event); err != nil {
		s.logger.Error("Failed to publish event to stream",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}

	return nil
}

// MarkAlertAsRead 网关报警确认入口
func (s *MonitorService) MarkAlertAsRead(ctx context.Context, alertID string) error {
	return s.pipeline.MarkAlertAsRead(ctx, alertID)
}

// AcknowledgeEvent 网关事件确认入口：落库并广播给同楼宇的值班人员
func (s *MonitorService) AcknowledgeEvent(ctx context.Context, eventID, userID string) error {
	buildingID, err := s.eventRepo.Acknowledge(ctx, eventID, userID)
	if err != nil {
		return err
	}

	s.hub.EmitToBuilding(buildingID, "event:acknowledged", map[string]string{
		"event_id": eventID,
		"user_id":  userID,
	})
	return nil
}

// Start 启动服务：后台循环 + MQTT 订阅 + HTTP 服务（阻塞直到 Shutdown）
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service",
		zap.String("http_addr", s.config.HTTP.Addr),
	)

	if err := s.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start event consumer: %w", err)
	}

	s.startLoop(ctx, "health", time.Duration(s.config.Monitor.PollInterval)*time.Second, func(ctx context.Context) {
		if err := s.healthMonitor.CheckHealth(ctx); err != nil {
			s.logger.Error("Health check sweep failed", zap.Error(err))
		}
		if err := s.healthMonitor.SweepStale(ctx); err != nil {
			s.logger.Error("Stale heartbeat sweep failed", zap.Error(err))
		}
	})

	s.startLoop(ctx, "alert-dispatch", time.Duration(s.config.Alerts.DispatchInterval)*time.Second, func(ctx context.Context) {
		if err := s.pipeline.SendPendingAlerts(ctx); err != nil {
			s.logger.Error("Pending alert sweep failed", zap.Error(err))
		}
	})

	s.startLoop(ctx, "alert-retry", time.Duration(s.config.Alerts.RetryInterval)*time.Second, func(ctx context.Context) {
		if err := s.pipeline.RetryFailedAlerts(ctx); err != nil {
			s.logger.Error("Failed alert retry sweep failed", zap.Error(err))
		}
	})

	s.startLoop(ctx, "session-reaper", time.Duration(s.config.Streaming.ReapInterval)*time.Second, func(ctx context.Context) {
		s.streams.CleanupInactiveSessions()
	})

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// startLoop 按固定间隔执行一个后台扫描，ctx 取消后退出
func (s *MonitorService) startLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("Background loop started",
			zap.String("loop", name),
			zap.Duration("interval", interval),
		)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Background loop stopped",
					zap.String("loop", name),
				)
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop 停止服务
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping monitor service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shut down http server", zap.Error(err))
	}

	s.consumer.Stop()
	s.mqttClient.Disconnect()

	// 活跃的转码进程随服务一起停止
	s.streams.StopAll()

	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}

	return nil
}
