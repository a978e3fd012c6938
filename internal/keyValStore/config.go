package keyValStore

import (
	"errors"
	"fmt"
	"os"
)

// ErrInsufficientSpace is returned when the disk holding a path has less
// free space than configured.
var ErrInsufficientSpace = errors.New("not enough space available on disk")

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}

	if err := os.MkdirAll(sc.Path, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", sc.Path, err)
	}
	info, err := os.Stat(sc.Path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	return CheckFreeSpace(sc.Path, sc.MinimumFreeSpace)
}
