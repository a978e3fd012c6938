package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// DirOptions configure a DirSource.
type DirOptions struct {
	// Interval paces frames. Zero yields them as fast as they are read.
	Interval time.Duration
	Loop     bool
}

// DirSource replays the JPEG files of a directory in lexical order.
type DirSource struct {
	files  []string
	opts   DirOptions
	pos    int
	last   time.Time
	closed atomic.Bool
}

// NewDirSource lists *.jpg and *.jpeg files of dir.
func NewDirSource(dir string, opts DirOptions) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("capture: read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return &DirSource{files: files, opts: opts}, nil
}

// Next implements Source.
func (d *DirSource) Next(ctx context.Context) ([]byte, bool, error) {
	if d.closed.Load() {
		return nil, false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if d.pos >= len(d.files) {
		if !d.opts.Loop || len(d.files) == 0 {
			return nil, false, nil
		}
		d.pos = 0
	}

	if d.opts.Interval > 0 && !d.last.IsZero() {
		if wait := d.opts.Interval - time.Since(d.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, false, ctx.Err()
			case <-timer.C:
			}
		}
	}

	data, err := os.ReadFile(d.files[d.pos])
	if err != nil {
		return nil, false, fmt.Errorf("capture: %w", err)
	}
	d.pos++
	d.last = time.Now()
	return data, true, nil
}

// Close implements Source.
func (d *DirSource) Close() error {
	d.closed.Store(true)
	return nil
}
