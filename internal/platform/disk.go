package platform

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
)

// FreeSpace returns the free bytes on the filesystem containing path.
func FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return usage.Free, nil
}

// CheckFreeSpace returns an error when the filesystem containing path has
// less than minBytes free. A probe failure is not treated as "disk full".
func CheckFreeSpace(path string, minBytes int64) error {
	free, err := FreeSpace(path)
	if err != nil {
		return nil
	}
	if free < uint64(minBytes) {
		return fmt.Errorf("insufficient disk space: %d bytes free, %d required", free, minBytes)
	}
	return nil
}
