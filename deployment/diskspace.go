package deployment

import (
	"path/filepath"
	"syscall"
)

// StatfsFreeSpace is the default FreeSpaceFunc: it queries the free bytes
// available on the filesystem holding path's parent directory.
//
// Grounded on fs/mountfs.go's (*MountpathInfo).getCapacity, the teacher's
// own syscall.Statfs-based free-space query (used there to decide whether
// LRU eviction must run before more data lands on a mountpath); adapted
// here to a single one-shot availability check instead of a cached,
// periodically refreshed capacity struct.
func StatfsFreeSpace(path string) (uint64, error) {
	dir := filepath.Dir(path)
	var statfs syscall.Statfs_t
	if err := syscall.Statfs(dir, &statfs); err != nil {
		return 0, err
	}
	return statfs.Bavail * uint64(statfs.Bsize), nil
}
