// Package capture yields compressed video frames from cameras, files and
// directories.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Source yields frames in capture order. ok is false once the source is
// exhausted. Next returns ctx.Err() when ctx ends while it waits for a frame.
type Source interface {
	Next(ctx context.Context) (frame []byte, ok bool, err error)
	Close() error
}

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("capture: source closed")

// Options tune the sources built by Open.
type Options struct {
	// FPS limits the frame rate. Zero keeps the native rate.
	FPS float64
	// Quality is the ffmpeg MJPEG quality scale, 2 (best) to 31.
	Quality int
	// FFmpegPath defaults to "ffmpeg" from PATH.
	FFmpegPath string
	// Loop restarts a directory source at its first frame when exhausted.
	Loop bool
}

// Open picks a source for input:
//   - a directory of JPEG files,
//   - a bare device number such as "0", opened as /dev/video<n>,
//   - anything else (RTSP or HTTP URL, video file) is decoded by ffmpeg.
func Open(input string, opts Options) (Source, error) {
	if input == "" {
		return nil, errors.New("capture: empty input")
	}
	if info, err := os.Stat(input); err == nil && info.IsDir() {
		return NewDirSource(input, DirOptions{Interval: interval(opts.FPS), Loop: opts.Loop})
	}
	if isDeviceNumber(input) {
		return StartFFmpeg(FFmpegConfig{
			Binary:      opts.FFmpegPath,
			InputFormat: "v4l2",
			Input:       "/dev/video" + input,
			FPS:         opts.FPS,
			Quality:     opts.Quality,
		})
	}
	return StartFFmpeg(FFmpegConfig{
		Binary:  opts.FFmpegPath,
		Input:   input,
		FPS:     opts.FPS,
		Quality: opts.Quality,
	})
}

func isDeviceNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func interval(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// Describe returns a log friendly form of input without URL credentials.
func Describe(input string) string {
	scheme, rest, ok := strings.Cut(input, "://")
	if !ok {
		return input
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = rest[at+1:]
		}
	}
	return fmt.Sprintf("%s://%s", scheme, rest)
}
