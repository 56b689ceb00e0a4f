package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/smartlock/internal/utils"
	"github.com/andresmejia3/smartlock/internal/vision"
)

const megabyte = 1024 * 1024

// ErrSourceUnavailable is returned when a video source cannot be opened.
var ErrSourceUnavailable = errors.New("video source unavailable")

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("video source closed")

// Source delivers decoded frames from a camera, file or stream.
type Source interface {
	Open(ctx context.Context) error
	Read() (*image.RGBA, time.Time, error)
	Close() error
}

// FFmpegSource decodes a video source through an ffmpeg MJPEG pipe.
type FFmpegSource struct {
	source      string
	fps         int
	openTimeout time.Duration

	mu      sync.Mutex
	cmd     *utils.SafeCommand
	cancel  context.CancelFunc
	frames  chan []byte
	errc    chan error
	pending []byte
}

// NewFFmpegSource creates an unopened source.
func NewFFmpegSource(source string, fps int, openTimeout time.Duration) *FFmpegSource {
	return &FFmpegSource{source: source, fps: fps, openTimeout: openTimeout}
}

// Open starts ffmpeg and waits for the first frame.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		s.closeLocked()
	}

	// Local files must exist; devices and urls are only proven by a first frame
	if !utils.IsDeviceIndex(s.source) && !utils.IsNetworkSource(s.source) {
		if _, err := os.Stat(s.source); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.source, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCmd(runCtx, s.source, s.fps)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: failed to start ffmpeg: %v", ErrSourceUnavailable, err)
	}

	frames := make(chan []byte, 1)
	errc := make(chan error, 1)
	go pump(out, frames, errc)

	s.cmd, s.cancel, s.frames, s.errc = cmd, cancel, frames, errc

	timer := time.NewTimer(s.openTimeout)
	defer timer.Stop()
	select {
	case data, ok := <-frames:
		if !ok {
			err := <-errc
			s.closeLocked()
			return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.source, describeExit(err, cmd))
		}
		s.pending = data
		return nil
	case <-timer.C:
		s.closeLocked()
		return fmt.Errorf("%w: %s: no frame within %s", ErrSourceUnavailable, s.source, s.openTimeout)
	case <-ctx.Done():
		s.closeLocked()
		return ctx.Err()
	}
}

// pump splits the ffmpeg stdout into JPEG frames. Only the newest frame is
// kept when the reader falls behind.
func pump(out io.Reader, frames chan []byte, errc chan<- error) {
	defer close(frames)

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		select {
		case frames <- data:
		default:
			// Drop the stale frame
			select {
			case <-frames:
			default:
			}
			frames <- data
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	errc <- err
}

// Read blocks until the next frame is decoded.
func (s *FFmpegSource) Read() (*image.RGBA, time.Time, error) {
	s.mu.Lock()
	frames, errc, cmd := s.frames, s.errc, s.cmd
	data := s.pending
	s.pending = nil
	s.mu.Unlock()

	if frames == nil {
		return nil, time.Time{}, ErrClosed
	}

	if data == nil {
		var ok bool
		data, ok = <-frames
		if !ok {
			err := <-errc
			errc <- err // keep it available for later reads
			return nil, time.Time{}, fmt.Errorf("ffmpeg stream ended: %v", describeExit(err, cmd))
		}
	}

	img, err := vision.DecodeJPEG(data)
	if err != nil {
		return nil, time.Time{}, err
	}
	return img, time.Now(), nil
}

// Close stops ffmpeg. It is safe to call more than once.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FFmpegSource) closeLocked() {
	if s.cmd == nil {
		return
	}
	s.cancel()
	if err := s.cmd.Wait(); err != nil {
		slog.Debug("ffmpeg exited", "source", s.source, "error", err)
	}
	s.cmd, s.cancel, s.frames, s.errc, s.pending = nil, nil, nil, nil, nil
}

func describeExit(err error, cmd *utils.SafeCommand) error {
	if cmd != nil && cmd.Stderr.Len() > 0 {
		return fmt.Errorf("%v: %s", err, cmd.Stderr.String())
	}
	return err
}
