package streaming

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

var (
	// ErrDeviceUnavailable 设备不存在或不在线
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrMissingCapability 设备不具备所需能力
	ErrMissingCapability = errors.New("device missing capability")
	// ErrSessionStopped 会话在启动完成前已被停止
	ErrSessionStopped = errors.New("session stopped before start completed")
)

// VideoSource 外部视频管理系统（黑盒服务，按外部设备标识取流）
type VideoSource interface {
	GetLiveStreamURL(ctx context.Context, externalID string) (string, error)
	GetPlaybackStreamURL(ctx context.Context, externalID string, start, end time.Time) (string, error)
	CaptureSnapshot(ctx context.Context, externalID string) ([]byte, error)
	ControlPTZ(ctx context.Context, externalID, action string, params map[string]float64) error
}

// DoorController 外部门禁控制器
type DoorController interface {
	ControlDoor(ctx context.Context, externalID, action string) error
}

// DeviceStore 流管理器所需的设备仓库能力
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	UpdateStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
}

// PlaybackOptions 回放会话参数
type PlaybackOptions struct {
	StartTime time.Time
	EndTime   time.Time
	Speed     float64
	Quality   models.StreamQuality
}

// session 活跃会话（仅内存）
type session struct {
	model      *models.StreamSession
	proc       Process
	dir        string
	lastAccess time.Time

	// 启动尚未完成；stopRequested 记录启动期间收到的停止请求
	starting      bool
	stopRequested bool
}

// Manager 视频会话管理器
// 活跃会话表是共享可变状态，所有读写都在 mu 保护下进行
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	devices     DeviceStore
	source      VideoSource
	doors       DoorController
	transcoder  Transcoder
	artifactDir string
	idleTimeout time.Duration
	stopGrace   time.Duration
	logger      *zap.Logger
}

// NewManager 创建视频会话管理器
func NewManager(
	devices DeviceStore,
	source VideoSource,
	doors DoorController,
	transcoder Transcoder,
	artifactDir string,
	idleTimeout, stopGrace time.Duration,
	logger *zap.Logger,
) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if stopGrace <= 0 {
		stopGrace = 5 * time.Second
	}
	return &Manager{
		sessions:    make(map[string]*session),
		devices:     devices,
		source:      source,
		doors:       doors,
		transcoder:  transcoder,
		artifactDir: artifactDir,
		idleTimeout: idleTimeout,
		stopGrace:   stopGrace,
		logger:      logger,
	}
}

// StartLiveStream 启动实时观看会话
// 前置条件：设备存在且 online，否则返回 ErrDeviceUnavailable
func (m *Manager) StartLiveStream(ctx context.Context, deviceID, userID string, quality models.StreamQuality) (*models.StreamSession, error) {
	device, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, deviceID)
	}
	if device.Status != models.DeviceStatusOnline {
		return nil, fmt.Errorf("%w: device %s is %s", ErrDeviceUnavailable, deviceID, device.Status)
	}

	sourceURL, err := m.source.GetLiveStreamURL(ctx, device.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve live source: %w", err)
	}

	now := time.Now()
	model := &models.StreamSession{
		SessionID: fmt.Sprintf("%s-%s-%d", deviceID, userID, now.UnixNano()),
		DeviceID:  deviceID,
		UserID:    userID,
		Type:      models.StreamTypeLive,
		Quality:   quality,
		StartedAt: now,
	}

	return m.launch(model, TranscodeSpec{
		SourceURL: sourceURL,
		Quality:   quality,
	}, true)
}

// StartPlaybackStream 启动回放会话
// 不要求设备在线：离线设备的历史录像仍可回放
func (m *Manager) StartPlaybackStream(ctx context.Context, deviceID, userID string, opts PlaybackOptions) (*models.StreamSession, error) {
	device, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, deviceID)
	}

	sourceURL, err := m.source.GetPlaybackStreamURL(ctx, device.ExternalID, opts.StartTime, opts.EndTime)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve playback source: %w", err)
	}

	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}
	quality := opts.Quality
	if quality == "" {
		quality = models.QualityMedium
	}

	now := time.Now()
	model := &models.StreamSession{
		SessionID:     fmt.Sprintf("%s-%s-%d", deviceID, userID, now.UnixNano()),
		DeviceID:      deviceID,
		UserID:        userID,
		Type:          models.StreamTypePlayback,
		Quality:       quality,
		StartedAt:     now,
		PlaybackStart: &opts.StartTime,
		PlaybackEnd:   &opts.EndTime,
		PlaybackSpeed: speed,
	}

	return m.launch(model, TranscodeSpec{
		SourceURL: sourceURL,
		Quality:   quality,
		Speed:     speed,
	}, false)
}

// launch 启动转码进程并登记会话
// 先登记占位再启动进程：启动期间收到的停止请求会让迟到的启动自行回收
func (m *Manager) launch(model *models.StreamSession, spec TranscodeSpec, live bool) (*models.StreamSession, error) {
	dir := filepath.Join(m.artifactDir, model.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	spec.OutputDir = dir
	model.URL = "/streams/" + model.SessionID + "/index.m3u8"

	s := &session{
		model:      model,
		dir:        dir,
		lastAccess: time.Now(),
		starting:   true,
	}

	m.mu.Lock()
	m.sessions[model.SessionID] = s
	m.mu.Unlock()

	proc, err := m.transcoder.Start(spec)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, model.SessionID)
		m.mu.Unlock()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start transcoder: %w", err)
	}

	m.mu.Lock()
	if s.stopRequested {
		// 启动期间被停止：自行回收，不留悬挂进程
		m.mu.Unlock()
		_ = proc.Stop(m.stopGrace)
		_ = os.RemoveAll(dir)
		return nil, ErrSessionStopped
	}
	s.proc = proc
	s.starting = false
	m.mu.Unlock()

	go m.watch(model.SessionID, s, live)

	m.logger.Info("Stream session started",
		zap.String("session_id", model.SessionID),
		zap.String("device_id", model.DeviceID),
		zap.String("user_id", model.UserID),
		zap.String("type", string(model.Type)),
		zap.String("quality", string(model.Quality)),
	)

	return model, nil
}

// watch 监督转码进程：退出即移除会话，崩溃的实时流把设备标记为 error
func (m *Manager) watch(sessionID string, s *session, live bool) {
	err := <-s.proc.Done()

	m.mu.Lock()
	current, ok := m.sessions[sessionID]
	if !ok || current != s {
		// 已由 StopStream/回收器移除
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	_ = os.RemoveAll(s.dir)

	if err != nil {
		m.logger.Error("Transcoder exited unexpectedly",
			zap.String("session_id", sessionID),
			zap.String("device_id", s.model.DeviceID),
			zap.Error(err),
		)
		if live {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if updateErr := m.devices.UpdateStatus(ctx, s.model.DeviceID, models.DeviceStatusError); updateErr != nil {
				m.logger.Error("Failed to mark device error after stream crash",
					zap.String("device_id", s.model.DeviceID),
					zap.Error(updateErr),
				)
			}
		}
		return
	}

	m.logger.Info("Transcoder finished",
		zap.String("session_id", sessionID),
	)
}

// StopStream 停止会话：优雅终止进程、删除切片、移出活跃表
// 未知会话返回 ErrSessionNotFound（第二次停止同一会话即如此）
func (m *Manager) StopStream(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.starting {
		// 启动尚未完成：标记后由 launch 自行回收
		s.stopRequested = true
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	now := time.Now()
	s.model.EndedAt = &now

	err := s.proc.Stop(m.stopGrace)
	_ = os.RemoveAll(s.dir)

	if err != nil {
		return fmt.Errorf("failed to stop transcoder: %w", err)
	}

	m.logger.Info("Stream session stopped",
		zap.String("session_id", sessionID),
	)
	return nil
}

// GetStreamURL 获取会话的播放地址并刷新最近访问时间（供空闲回收使用）
func (m *Manager) GetStreamURL(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	s.lastAccess = time.Now()
	return s.model.URL, nil
}

// ActiveSessions 当前活跃会话快照
func (m *Manager) ActiveSessions() []*models.StreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.StreamSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.model)
	}
	return out
}

// CleanupInactiveSessions 回收空闲会话
// 先在锁内摘除条目再停进程：停止失败只记录日志，卡死的进程不会钉住表项
func (m *Manager) CleanupInactiveSessions() {
	now := time.Now()

	m.mu.Lock()
	expired := []*session{}
	for id, s := range m.sessions {
		if s.starting {
			continue
		}
		if now.Sub(s.lastAccess) > m.idleTimeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("Reaping inactive stream session",
			zap.String("session_id", s.model.SessionID),
			zap.Time("last_access", s.lastAccess),
		)
		if err := s.proc.Stop(m.stopGrace); err != nil {
			m.logger.Error("Failed to stop inactive session, entry already removed",
				zap.String("session_id", s.model.SessionID),
				zap.Error(err),
			)
		}
		_ = os.RemoveAll(s.dir)
	}
}

// StopAll 停止所有会话（服务关闭时调用）
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := []*session{}
	for id, s := range m.sessions {
		if s.starting {
			s.stopRequested = true
			delete(m.sessions, id)
			continue
		}
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		if err := s.proc.Stop(m.stopGrace); err != nil {
			m.logger.Error("Failed to stop session during shutdown",
				zap.String("session_id", s.model.SessionID),
				zap.Error(err),
			)
		}
		_ = os.RemoveAll(s.dir)
	}
}

// CaptureSnapshot 抓拍（不关联会话，要求设备在线）
func (m *Manager) CaptureSnapshot(ctx context.Context, deviceID string) ([]byte, error) {
	device, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, deviceID)
	}
	if device.Status != models.DeviceStatusOnline {
		return nil, fmt.Errorf("%w: device %s is %s", ErrDeviceUnavailable, deviceID, device.Status)
	}

	return m.source.CaptureSnapshot(ctx, device.ExternalID)
}

// ControlPTZ 云台控制（要求设备在线且具备 ptz 能力）
func (m *Manager) ControlPTZ(ctx context.Context, deviceID, action string, params map[string]float64) error {
	device, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, deviceID)
	}
	if device.Status != models.DeviceStatusOnline {
		return fmt.Errorf("%w: device %s is %s", ErrDeviceUnavailable, deviceID, device.Status)
	}
	if !device.HasCapability(models.CapabilityPTZ) {
		return fmt.Errorf("%w: %s has no ptz", ErrMissingCapability, deviceID)
	}

	return m.source.ControlPTZ(ctx, device.ExternalID, action, params)
}

// ControlDoor 门禁控制透传
func (m *Manager) ControlDoor(ctx context.Context, deviceID, action string) error {
	device, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, deviceID)
	}
	if device.Status != models.DeviceStatusOnline {
		return fmt.Errorf("%w: device %s is %s", ErrDeviceUnavailable, deviceID, device.Status)
	}

	return m.doors.ControlDoor(ctx, device.ExternalID, action)
}
