// SPDX-License-Identifier: MIT

package pathmap

import (
	"fmt"
	"syscall"
)

// DiskFree reports the free bytes on the filesystem holding path.
// Overridable in tests.
var DiskFree = func(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
