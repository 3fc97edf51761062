// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
)

// VolumeTotal reports the total size in bytes of the filesystem holding path.
// Overridable in tests.
var VolumeTotal = func(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Blocks * uint64(stat.Bsize), nil
}

// ParseCacheLimit resolves a cache-limit literal to absolute bytes. Accepted
// forms: "500 GB" (humanized), "75 %" (share of the cache volume at
// volumePath), or a bare byte count.
func ParseCacheLimit(literal, volumePath string) (uint64, error) {
	s := strings.TrimSpace(literal)
	if s == "" {
		return 0, fmt.Errorf("cache limit is empty")
	}

	if strings.HasSuffix(s, "%") {
		pctStr := strings.TrimSpace(strings.TrimSuffix(s, "%"))
		pct, err := strconv.ParseFloat(pctStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid percent literal %q: %w", literal, err)
		}
		if pct <= 0 || pct > 100 {
			return 0, fmt.Errorf("percent literal %q out of range (0, 100]", literal)
		}
		total, err := VolumeTotal(volumePath)
		if err != nil {
			return 0, err
		}
		return uint64(float64(total) * pct / 100), nil
	}

	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size literal %q: %w", literal, err)
	}
	return n, nil
}
