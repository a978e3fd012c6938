// Package spool keeps sealed chunks on local disk until they are stored.
package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/internal/keyValStore"
)

// ErrInsufficientSpace is returned by Write when the spool disk is too full.
var ErrInsufficientSpace = keyValStore.ErrInsufficientSpace

var fileName = regexp.MustCompile(`^stream(.+)_chunk(\d+)\.bin$`)

// File is a spooled chunk.
type File struct {
	Path     string
	StreamID string
	Index    uint64
	Size     int64
}

// Spool is a directory of chunk files named stream<id>_chunk<index>.bin.
type Spool struct {
	dir           string
	minimumFreeGB int
	log           logrus.FieldLogger
}

// New creates the spool directory if needed.
func New(dir string, minimumFreeGB int, log logrus.FieldLogger) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("spool: no directory configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create %s: %w", dir, err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Spool{dir: dir, minimumFreeGB: minimumFreeGB, log: log}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// PathFor returns the file name used for a chunk.
func (s *Spool) PathFor(streamID string, index uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("stream%s_chunk%d.bin", streamID, index))
}

// Write stores data for the chunk and returns its path. The file appears
// atomically, so a reader never sees a partial chunk.
func (s *Spool) Write(streamID string, index uint64, data []byte) (string, error) {
	if err := keyValStore.CheckFreeSpace(s.dir, s.minimumFreeGB); err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}

	path := s.PathFor(streamID, index)
	tmp, err := os.CreateTemp(s.dir, ".chunk-*")
	if err != nil {
		return "", fmt.Errorf("spool: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("spool: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("spool: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("spool: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("spool: rename %s: %w", path, err)
	}

	s.log.WithFields(logrus.Fields{
		"stream": streamID,
		"chunk":  index,
		"bytes":  len(data),
	}).Debug("chunk spooled")
	return path, nil
}

// Read returns the content of a spooled chunk.
func (s *Spool) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spool: read: %w", err)
	}
	return data, nil
}

// Remove deletes a spooled chunk. A missing file is not an error.
func (s *Spool) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: remove: %w", err)
	}
	return nil
}

// Pending lists spooled chunks ordered by stream and index. Files that do
// not follow the naming scheme are ignored.
func (s *Spool) Pending() ([]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: list: %w", err)
	}

	var files []File
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		m := fileName.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		index, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("spool: stat %s: %w", de.Name(), err)
		}
		files = append(files, File{
			Path:     filepath.Join(s.dir, de.Name()),
			StreamID: m[1],
			Index:    index,
			Size:     info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].StreamID != files[j].StreamID {
			return files[i].StreamID < files[j].StreamID
		}
		return files[i].Index < files[j].Index
	})
	return files, nil
}

// NextIndex returns one past the highest spooled index of the stream, or
// zero.
func (s *Spool) NextIndex(streamID string) (uint64, error) {
	files, err := s.Pending()
	if err != nil {
		return 0, err
	}
	var next uint64
	for _, f := range files {
		if f.StreamID == streamID && f.Index+1 > next {
			next = f.Index + 1
		}
	}
	return next, nil
}
