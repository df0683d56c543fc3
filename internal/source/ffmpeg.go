package source

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
)

// FFmpegSource pipes a device or network stream through ffmpeg as MJPEG
// and serves the most recent frame on each Read. The process is started
// on the first Read and restarted on the next Read after it dies.
type FFmpegSource struct {
	cfg         Config
	log         zerolog.Logger
	binary      string
	readTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	exited  chan struct{}
	latest  chan []byte // Capacity 1, newest frame wins
}

// NewFFmpegSource creates a source for cfg.Device
func NewFFmpegSource(cfg Config, log zerolog.Logger) *FFmpegSource {
	if cfg.FPS <= 0 {
		cfg.FPS = 20
	}
	return &FFmpegSource{
		cfg:         cfg,
		log:         log,
		binary:      "ffmpeg",
		readTimeout: 2 * time.Second,
		latest:      make(chan []byte, 1),
	}
}

// ffmpegArgs builds the ffmpeg command line for the configured device
func ffmpegArgs(cfg Config) []string {
	switch {
	case strings.HasPrefix(cfg.Device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", cfg.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", cfg.FPS),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(cfg.Device, "http://"), strings.HasPrefix(cfg.Device, "https://"):
		return []string{
			"-i", cfg.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", cfg.FPS),
			"-q:v", "5",
			"-",
		}
	default:
		args := []string{"-f", "v4l2"}
		if cfg.Width > 0 && cfg.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
		}
		return append(args,
			"-framerate", fmt.Sprintf("%d", cfg.FPS),
			"-i", cfg.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		)
	}
}

func (s *FFmpegSource) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	cmd := exec.Command(s.binary, ffmpegArgs(s.cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start ffmpeg")
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	s.running = true

	// Drain stderr so ffmpeg never blocks on it
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	go func() {
		defer close(exited)
		if err := readFrames(stdout, s.push); err != nil && err != io.EOF {
			s.log.Warn().Err(err).Str("device", s.cfg.Device).Msg("Error reading ffmpeg output")
		}
		_ = cmd.Wait()

		s.mu.Lock()
		if s.cmd == cmd {
			s.running = false
		}
		s.mu.Unlock()
		s.log.Info().Str("device", s.cfg.Device).Msg("ffmpeg exited")
	}()

	s.log.Info().Str("device", s.cfg.Device).Int("fps", s.cfg.FPS).Msg("ffmpeg capture started")
	return nil
}

// push stores frame as the newest pending frame
func (s *FFmpegSource) push(frame []byte) {
	for {
		select {
		case s.latest <- frame:
			return
		default:
		}
		select {
		case <-s.latest:
		default:
		}
	}
}

func (s *FFmpegSource) Read(ctx context.Context) (image.Image, error) {
	if err := s.start(); err != nil {
		return nil, errors.Wrapf(pipeline.ErrDevice, "%s: %v", s.cfg.Device, err)
	}

	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	var data []byte
	select {
	case data = <-s.latest:
	case <-exited:
		return nil, errors.Wrapf(pipeline.ErrDevice, "%s: ffmpeg exited", s.cfg.Device)
	case <-timer.C:
		return nil, errors.Wrapf(pipeline.ErrDevice, "%s: no frame within %s", s.cfg.Device, s.readTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	img, err := pipeline.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(pipeline.ErrDevice, "%s: %v", s.cfg.Device, err)
	}
	return img, nil
}

// Close kills ffmpeg if it is running
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	running := s.running
	s.running = false
	s.mu.Unlock()

	if running && cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// readFrames cuts a concatenated JPEG stream into frames
func readFrames(r io.Reader, emit func([]byte)) error {
	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				emit(frame)
			}
		}
		if err != nil {
			return err
		}
	}
}

// extractJPEGFrame removes and returns the first complete SOI..EOI
// frame in buffer, or nil when none is complete yet
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		// Keep the last byte in case it starts a marker
		*buffer = buf[len(buf)-1:]
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		*buffer = buf[startIdx:]
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = buf[endIdx:]
	return frame
}
