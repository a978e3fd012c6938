package keyValStore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

const gigabyte = 1024 * 1024 * 1024

// CheckFreeSpace fails with ErrInsufficientSpace when the file system of path
// has less than minimumGB gigabytes available. A minimum of zero disables the
// check.
func CheckFreeSpace(path string, minimumGB int) error {
	if minimumGB <= 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	freeGB := usage.Free / gigabyte
	if freeGB < uint64(minimumGB) {
		return fmt.Errorf("%w: %s has %d GB free, need %d GB", ErrInsufficientSpace, path, freeGB, minimumGB)
	}
	return nil
}

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// displayDiskUsage logs the disk usage of path and of the database in it.
func displayDiskUsage(log logrus.FieldLogger, path string) error {
	usage, err := disk.Usage(path)
	if err != nil {
		log.WithField("path", path).Errorf("Error retrieving disk usage stats: %v", err)
		return err
	}

	pathSize, err := calculateDirectorySize(path)
	if err != nil {
		log.WithField("path", path).Errorf("Error calculating directory size: %v", err)
		return err
	}

	log.WithFields(logrus.Fields{
		"Path":        path,
		"Filesystem":  usage.Fstype,
		"Total (GB)":  fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"Used (GB)":   fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
		"Free (GB)":   fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		"Usage by DB": fmt.Sprintf("%.2f", float64(pathSize)/1e9),
	}).Info("Disk Usage")

	return nil
}
