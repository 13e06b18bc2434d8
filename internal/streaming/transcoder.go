package streaming

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chevastian666/forten-sub002/internal/models"
)

// TranscodeSpec 一次转码任务的参数
type TranscodeSpec struct {
	SourceURL string
	OutputDir string
	Quality   models.StreamQuality
	Speed     float64 // 回放倍速；0 或 1 表示正常速度
}

// Process 运行中的转码进程句柄
type Process interface {
	// Stop 先发 SIGTERM，宽限期内未退出则 SIGKILL
	Stop(grace time.Duration) error
	// Done 进程退出时关闭；非零退出码通过错误返回
	Done() <-chan error
}

// Transcoder 转码进程启动器
type Transcoder interface {
	Start(spec TranscodeSpec) (Process, error)
}

// qualityPreset 质量档位对应的分辨率和码率
type qualityPreset struct {
	scale        string
	videoBitrate string
	audioBitrate string
}

var presets = map[models.StreamQuality]qualityPreset{
	models.QualityLow:    {scale: "640:360", videoBitrate: "800k", audioBitrate: "64k"},
	models.QualityMedium: {scale: "1280:720", videoBitrate: "1400k", audioBitrate: "96k"},
	models.QualityHigh:   {scale: "1920:1080", videoBitrate: "2800k", audioBitrate: "128k"},
}

// FFmpegTranscoder 基于 ffmpeg 的 HLS 转码器
type FFmpegTranscoder struct {
	binPath string
	logger  *zap.Logger
}

// NewFFmpegTranscoder 创建 ffmpeg 转码器
func NewFFmpegTranscoder(binPath string, logger *zap.Logger) *FFmpegTranscoder {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	return &FFmpegTranscoder{
		binPath: binPath,
		logger:  logger,
	}
}

// Start 启动转码进程，输出可轮询的 HLS 切片
func (t *FFmpegTranscoder) Start(spec TranscodeSpec) (Process, error) {
	preset, ok := presets[spec.Quality]
	if !ok {
		preset = presets[models.QualityMedium]
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", spec.SourceURL,
	}

	// 回放倍速：视频和音频一致缩放时间轴
	if spec.Speed > 0 && spec.Speed != 1 {
		args = append(args,
			"-filter:v", fmt.Sprintf("setpts=PTS/%g,scale=%s", spec.Speed, preset.scale),
			"-filter:a", fmt.Sprintf("atempo=%g", spec.Speed),
		)
	} else {
		args = append(args, "-vf", "scale="+preset.scale)
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", preset.videoBitrate,
		"-c:a", "aac",
		"-b:a", preset.audioBitrate,
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments",
		filepath.Join(spec.OutputDir, "index.m3u8"),
	)

	cmd := exec.Command(t.binPath, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start transcoder: %w", err)
	}

	t.logger.Info("Transcoder started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("quality", string(spec.Quality)),
		zap.String("output_dir", spec.OutputDir),
	)

	proc := &ffmpegProcess{
		cmd:  cmd,
		done: make(chan error, 1),
	}

	go func() {
		err := cmd.Wait()
		proc.done <- err
		close(proc.done)
	}()

	return proc, nil
}

// ffmpegProcess 单个 ffmpeg 进程
type ffmpegProcess struct {
	cmd      *exec.Cmd
	done     chan error
	stopOnce sync.Once
	stopErr  error
}

// Stop 优雅停止，宽限期后强杀；多次调用只执行一次
func (p *ffmpegProcess) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// 进程可能已经退出
			p.stopErr = nil
			return
		}

		select {
		case <-p.done:
		case <-time.After(grace):
			if err := p.cmd.Process.Kill(); err != nil {
				p.stopErr = fmt.Errorf("failed to kill transcoder: %w", err)
				return
			}
			<-p.done
		}
	})
	return p.stopErr
}

// Done 进程退出信号
func (p *ffmpegProcess) Done() <-chan error {
	return p.done
}
