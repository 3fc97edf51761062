// SPDX-License-Identifier: MIT

package controller

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/ManuGH/plexcached/internal/store"
	"github.com/google/renameio/v2"
)

// indexFile is a human-readable sidecar mirror of the tracking store,
// rebuilt after every tick. The store stays authoritative; the sidecar
// exists for shell inspection and post-mortems.
type indexFile struct {
	UpdatedAt    time.Time            `json:"updated_at"`
	TrackedFiles int                  `json:"tracked_files"`
	UsedBytes    int64                `json:"used_bytes"`
	LimitBytes   uint64               `json:"limit_bytes"`
	BySource     map[store.Source]int `json:"by_source"`
	LastCycle    CycleResult          `json:"last_cycle"`
	Files        []indexEntry         `json:"files"`
}

type indexEntry struct {
	Path      string       `json:"path"`
	Source    store.Source `json:"source"`
	Status    store.Status `json:"status"`
	SizeBytes int64        `json:"size_bytes"`
	Users     []string     `json:"users"`
	CachedAt  time.Time    `json:"cached_at"`
}

func (c *Controller) writeIndex(snap store.Snapshot, res CycleResult) error {
	idx := indexFile{
		UpdatedAt:  time.Now(),
		UsedBytes:  snap.ActiveBytes(),
		LimitBytes: c.cfg.Cache.LimitBytes,
		BySource:   make(map[store.Source]int),
		LastCycle:  res,
	}
	for _, e := range snap.Entries {
		if e.Status == store.StatusPendingRemoval {
			continue
		}
		idx.TrackedFiles++
		idx.BySource[e.Source]++
		idx.Files = append(idx.Files, indexEntry{
			Path:      e.Path,
			Source:    e.Source,
			Status:    e.Status,
			SizeBytes: e.SizeBytes,
			Users:     e.Users,
			CachedAt:  e.CachedAt,
		})
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(c.cfg.StateDir, "index.json"), data, 0o644)
}
