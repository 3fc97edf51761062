// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// progressFn receives periodic copy progress. done == total signals the
// final callback before the atomic rename.
type progressFn func(done, total int64)

// copyChunk is the streaming buffer size; progress fires once per chunk.
const copyChunk = 8 << 20

// stageCopy streams src into a temporary sibling of dst and atomically
// renames it into place (fsync before rename, courtesy of renameio). Any
// failure before the rename leaves no observable change at dst.
func stageCopy(ctx context.Context, src, dst string, progress progressFn) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() // nolint:errcheck

	fi, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", src, err)
	}
	total := fi.Size()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir for %s: %w", dst, err)
	}

	pending, err := renameio.TempFile("", dst)
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", dst, err)
	}
	defer pending.Cleanup() // nolint:errcheck

	var done int64
	buf := make([]byte, copyChunk)
	for {
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		default:
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := pending.Write(buf[:n]); werr != nil {
				return done, fmt.Errorf("write %s: %w", dst, werr)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return done, fmt.Errorf("read %s: %w", src, rerr)
		}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return done, fmt.Errorf("commit %s: %w", dst, err)
	}
	if err := preserveTimes(src, dst); err != nil {
		// Metadata drift is tolerable; the bytes are committed.
		return done, nil
	}
	return done, nil
}

// preserveTimes copies mtime from src onto dst so players and the
// reconciler see consistent timestamps across tiers.
func preserveTimes(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chtimes(dst, fi.ModTime(), fi.ModTime())
}
