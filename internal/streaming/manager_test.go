package streaming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// fakeProcess 可控的转码进程
type fakeProcess struct {
	mu      sync.Mutex
	stopped bool
	done    chan error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan error, 1)}
}

func (p *fakeProcess) Stop(grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.done <- nil
		close(p.done)
	}
	return nil
}

func (p *fakeProcess) Done() <-chan error {
	return p.done
}

func (p *fakeProcess) crash(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.done <- err
	close(p.done)
}

func (p *fakeProcess) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// fakeTranscoder 记录启动参数并返回预设进程
// entered/release 可让测试卡住启动过程，模拟启动与停止并发
type fakeTranscoder struct {
	mu        sync.Mutex
	specs     []TranscodeSpec
	processes []*fakeProcess
	failWith  error
	entered   chan struct{}
	release   chan struct{}
}

func (t *fakeTranscoder) Start(spec TranscodeSpec) (Process, error) {
	if t.entered != nil {
		t.entered <- struct{}{}
	}
	if t.release != nil {
		<-t.release
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return nil, t.failWith
	}
	t.specs = append(t.specs, spec)
	proc := newFakeProcess()
	t.processes = append(t.processes, proc)
	return proc, nil
}

func (t *fakeTranscoder) lastSpec() TranscodeSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.specs[len(t.specs)-1]
}

func (t *fakeTranscoder) lastProcess() *fakeProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processes[len(t.processes)-1]
}

// fakeVideoSource 固定地址的视频源
type fakeVideoSource struct {
	mu       sync.Mutex
	ptzCalls []string
	snapshot []byte
}

func (s *fakeVideoSource) GetLiveStreamURL(ctx context.Context, externalID string) (string, error) {
	return "rtsp://vms/" + externalID + "/live", nil
}

func (s *fakeVideoSource) GetPlaybackStreamURL(ctx context.Context, externalID string, start, end time.Time) (string, error) {
	return "rtsp://vms/" + externalID + "/playback", nil
}

func (s *fakeVideoSource) CaptureSnapshot(ctx context.Context, externalID string) ([]byte, error) {
	return s.snapshot, nil
}

func (s *fakeVideoSource) ControlPTZ(ctx context.Context, externalID, action string, params map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptzCalls = append(s.ptzCalls, externalID+":"+action)
	return nil
}

// fakeDoors 记录门禁指令
type fakeDoors struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDoors) ControlDoor(ctx context.Context, externalID, action string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, externalID+":"+action)
	return nil
}

// fakeDeviceStore 内存设备表
type fakeDeviceStore struct {
	mu       sync.Mutex
	devices  map[string]*models.Device
	statuses map[string]models.DeviceStatus
}

func newFakeDeviceStore(devices ...*models.Device) *fakeDeviceStore {
	s := &fakeDeviceStore{
		devices:  make(map[string]*models.Device),
		statuses: make(map[string]models.DeviceStatus),
	}
	for _, d := range devices {
		s.devices[d.DeviceID] = d
	}
	return s
}

func (s *fakeDeviceStore) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device not found: %s", deviceID)
	}
	return device, nil
}

func (s *fakeDeviceStore) UpdateStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[deviceID] = status
	return nil
}

func (s *fakeDeviceStore) statusOf(deviceID string) (models.DeviceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[deviceID]
	return status, ok
}

func onlineCamera(id string, capabilities ...string) *models.Device {
	return &models.Device{
		DeviceID:     id,
		BuildingID:   "building-1",
		Name:         "Cam " + id,
		Type:         "camera",
		Status:       models.DeviceStatusOnline,
		Capabilities: capabilities,
		ExternalID:   "ext-" + id,
	}
}

func setupManager(t *testing.T, store *fakeDeviceStore) (*Manager, *fakeTranscoder, *fakeVideoSource, *fakeDoors) {
	transcoder := &fakeTranscoder{}
	source := &fakeVideoSource{snapshot: []byte("jpeg")}
	doors := &fakeDoors{}

	m := NewManager(store, source, doors, transcoder, t.TempDir(),
		30*time.Minute, time.Second, zap.NewNop())
	return m, transcoder, source, doors
}

// ============================================
// 会话生命周期测试
// ============================================

func TestStartLiveStream_Success(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1"))
	m, transcoder, _, _ := setupManager(t, store)

	session, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityHigh)
	require.NoError(t, err)

	assert.Equal(t, models.StreamTypeLive, session.Type)
	assert.Equal(t, models.QualityHigh, session.Quality)
	assert.True(t, strings.HasPrefix(session.URL, "/streams/"))
	assert.True(t, strings.HasSuffix(session.URL, "/index.m3u8"))

	spec := transcoder.lastSpec()
	assert.Equal(t, "rtsp://vms/ext-cam-1/live", spec.SourceURL)
	assert.Equal(t, models.QualityHigh, spec.Quality)

	url, err := m.GetStreamURL(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.URL, url)
}

func TestStartLiveStream_OfflineDevice(t *testing.T) {
	camera := onlineCamera("cam-1")
	camera.Status = models.DeviceStatusOffline
	store := newFakeDeviceStore(camera)
	m, _, _, _ := setupManager(t, store)

	_, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityMedium)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Empty(t, m.ActiveSessions())
}

func TestStartLiveStream_UnknownDevice(t *testing.T) {
	m, _, _, _ := setupManager(t, newFakeDeviceStore())

	_, err := m.StartLiveStream(context.Background(), "missing", "guard-1", models.QualityMedium)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestStartLiveStream_TranscoderFailure(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1"))
	m, transcoder, _, _ := setupManager(t, store)
	transcoder.failWith = errors.New("ffmpeg not found")

	_, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityMedium)
	assert.Error(t, err)
	// 失败的启动不留下半注册的会话
	assert.Empty(t, m.ActiveSessions())
}

func TestStartPlaybackStream_AllowsOfflineDevice(t *testing.T) {
	camera := onlineCamera("cam-1")
	camera.Status = models.DeviceStatusOffline
	store := newFakeDeviceStore(camera)
	m, transcoder, _, _ := setupManager(t, store)

	start := time.Now().Add(-time.Hour)
	end := time.Now()
	session, err := m.StartPlaybackStream(context.Background(), "cam-1", "guard-1", PlaybackOptions{
		StartTime: start,
		EndTime:   end,
		Speed:     4,
		Quality:   models.QualityLow,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StreamTypePlayback, session.Type)
	assert.Equal(t, float64(4), session.PlaybackSpeed)
	require.NotNil(t, session.PlaybackStart)

	spec := transcoder.lastSpec()
	assert.Equal(t, float64(4), spec.Speed)
	assert.Equal(t, models.QualityLow, spec.Quality)
}

func TestStopStream_Idempotent(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1"))
	m, transcoder, _, _ := setupManager(t, store)

	session, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityMedium)
	require.NoError(t, err)

	require.NoError(t, m.StopStream(session.SessionID))
	assert.True(t, transcoder.lastProcess().isStopped())

	// 第二次停止同一会话
	err = m.StopStream(session.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStopStream_DuringStartCancelsSession(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1"))
	transcoder := &fakeTranscoder{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := NewManager(store, &fakeVideoSource{}, &fakeDoors{}, transcoder, t.TempDir(),
		30*time.Minute, time.Second, zap.NewNop())

	type startResult struct {
		session *models.StreamSession
		err     error
	}
	started := make(chan startResult, 1)
	go func() {
		session, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityMedium)
		started <- startResult{session, err}
	}()

	// 启动卡在转码器里，占位会话已登记
	<-transcoder.entered
	sessions := m.ActiveSessions()
	require.Len(t, sessions, 1)
	sessionID := sessions[0].SessionID

	// 启动进行中停止：立即移出活跃表
	require.NoError(t, m.StopStream(sessionID))
	assert.Empty(t, m.ActiveSessions())

	// 放行迟到的启动：自行回收进程，不留会话
	close(transcoder.release)
	result := <-started
	assert.ErrorIs(t, result.err, ErrSessionStopped)
	assert.Nil(t, result.session)
	assert.True(t, transcoder.lastProcess().isStopped())
	assert.Empty(t, m.ActiveSessions())

	err := m.StopStream(sessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetStreamURL_UnknownSession(t *testing.T) {
	m, _, _, _ := setupManager(t, newFakeDeviceStore())

	_, err := m.GetStreamURL("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// ============================================
// 空闲回收与崩溃监督测试
// ============================================

func TestCleanupInactiveSessions_ReapsIdle(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1"))
	m, transcoder, _, _ := setupManager(t, store)

	session, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityMedium)
	require.NoError(t, err)

	// 把最近访问时间拨回到阈值之外
	m.mu.Lock()
	m.sessions[session.SessionID].lastAccess = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.CleanupInactiveSessions()

	assert.True(t, transcoder.lastProcess().isStopped())
	_, err = m.GetStreamURL(session.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCleanupInactiveSessions_AccessKeepsAlive(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1"))
	m, transcoder, _, _ := setupManager(t, store)

	session, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityMedium)
	require.NoError(t, err)

	// 刚访问过的会话不会被回收
	_, err = m.GetStreamURL(session.SessionID)
	require.NoError(t, err)

	m.CleanupInactiveSessions()
	assert.False(t, transcoder.lastProcess().isStopped())
	assert.Len(t, m.ActiveSessions(), 1)
}

func TestWatch_CrashRemovesSessionAndMarksDeviceError(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1"))
	m, transcoder, _, _ := setupManager(t, store)

	session, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityMedium)
	require.NoError(t, err)

	transcoder.lastProcess().crash(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		_, err := m.GetStreamURL(session.SessionID)
		return errors.Is(err, ErrSessionNotFound)
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, ok := store.statusOf("cam-1")
		return ok && status == models.DeviceStatusError
	}, time.Second, 10*time.Millisecond)
}

func TestStopAll_TerminatesEverything(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1"), onlineCamera("cam-2"))
	m, transcoder, _, _ := setupManager(t, store)

	_, err := m.StartLiveStream(context.Background(), "cam-1", "guard-1", models.QualityMedium)
	require.NoError(t, err)
	_, err = m.StartLiveStream(context.Background(), "cam-2", "guard-1", models.QualityMedium)
	require.NoError(t, err)

	m.StopAll()

	assert.Empty(t, m.ActiveSessions())
	transcoder.mu.Lock()
	defer transcoder.mu.Unlock()
	for _, proc := range transcoder.processes {
		assert.True(t, proc.isStopped())
	}
}

// ============================================
// 设备指令透传测试
// ============================================

func TestControlPTZ_RequiresCapability(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1")) // 无 ptz 能力
	m, _, source, _ := setupManager(t, store)

	err := m.ControlPTZ(context.Background(), "cam-1", "pan", map[string]float64{"x": 0.5})
	assert.ErrorIs(t, err, ErrMissingCapability)
	assert.Empty(t, source.ptzCalls)
}

func TestControlPTZ_Success(t *testing.T) {
	store := newFakeDeviceStore(onlineCamera("cam-1", models.CapabilityPTZ))
	m, _, source, _ := setupManager(t, store)

	require.NoError(t, m.ControlPTZ(context.Background(), "cam-1", "pan", map[string]float64{"x": 0.5}))
	assert.Equal(t, []string{"ext-cam-1:pan"}, source.ptzCalls)
}

func TestCaptureSnapshot_RequiresOnline(t *testing.T) {
	camera := onlineCamera("cam-1")
	camera.Status = models.DeviceStatusMaintenance
	store := newFakeDeviceStore(camera)
	m, _, _, _ := setupManager(t, store)

	_, err := m.CaptureSnapshot(context.Background(), "cam-1")
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestControlDoor_Passthrough(t *testing.T) {
	door := &models.Device{
		DeviceID:   "door-1",
		BuildingID: "building-1",
		Type:       "access_controller",
		Status:     models.DeviceStatusOnline,
		ExternalID: "ext-door-1",
	}
	store := newFakeDeviceStore(door)
	m, _, _, doors := setupManager(t, store)

	require.NoError(t, m.ControlDoor(context.Background(), "door-1", "unlock"))
	assert.Equal(t, []string{"ext-door-1:unlock"}, doors.calls)
}
