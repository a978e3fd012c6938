package capture

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FFmpegConfig describes an ffmpeg capture process that writes MJPEG frames
// to stdout.
type FFmpegConfig struct {
	Binary      string
	InputFormat string
	Input       string
	FPS         float64
	Quality     int
	// ExtraInputArgs are inserted before -i, for example "-rtsp_transport tcp".
	ExtraInputArgs []string
}

func (c FFmpegConfig) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if strings.HasPrefix(c.Input, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, c.ExtraInputArgs...)
	if c.InputFormat != "" {
		args = append(args, "-f", c.InputFormat)
	}
	args = append(args, "-i", c.Input, "-an")
	if c.FPS > 0 {
		args = append(args, "-r", strconv.FormatFloat(c.FPS, 'f', -1, 64))
	}
	q := c.Quality
	if q < 2 || q > 31 {
		q = 5
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", strconv.Itoa(q), "pipe:1")
}

// FFmpegSource captures frames through an ffmpeg child process.
type FFmpegSource struct {
	*StreamSource
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	waitOnce sync.Once
	waitErr  error
}

// StartFFmpeg starts ffmpeg for cfg.
func StartFFmpeg(cfg FFmpegConfig) (*FFmpegSource, error) {
	bin := cfg.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, cfg.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: ffmpeg stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = &limitedWriter{buf: stderr, max: 4096}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start %s: %w", bin, err)
	}
	return &FFmpegSource{
		StreamSource: NewStreamSource(stdout),
		cmd:          cmd,
		stderr:       stderr,
	}, nil
}

// Next implements Source. When ffmpeg exits with an error after its last
// frame, that error is returned instead of a clean end of source.
func (f *FFmpegSource) Next(ctx context.Context) ([]byte, bool, error) {
	frame, ok, err := f.StreamSource.Next(ctx)
	if ok || err != nil {
		return frame, ok, err
	}
	if werr := f.wait(); werr != nil {
		return nil, false, fmt.Errorf("capture: ffmpeg: %w: %s", werr, strings.TrimSpace(f.stderr.String()))
	}
	return nil, false, nil
}

// Close asks ffmpeg to stop and waits a short while before killing it.
func (f *FFmpegSource) Close() error {
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Signal(syscall.SIGTERM)
	}
	done := make(chan struct{})
	go func() {
		f.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = f.cmd.Process.Kill()
		<-done
	}
	return f.StreamSource.Close()
}

func (f *FFmpegSource) wait() error {
	f.waitOnce.Do(func() {
		f.waitErr = f.cmd.Wait()
	})
	return f.waitErr
}

type limitedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
