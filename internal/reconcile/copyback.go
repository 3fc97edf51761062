// SPDX-License-Identifier: MIT

package reconcile

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
)

// copyBack restores cache bytes over an array-side symlink: staged into a
// temporary sibling and atomically renamed over the link.
func copyBack(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() // nolint:errcheck

	pending, err := renameio.TempFile("", dst)
	if err != nil {
		return fmt.Errorf("stage %s: %w", dst, err)
	}
	defer pending.Cleanup() // nolint:errcheck

	buf := make([]byte, 8<<20)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := pending.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", dst, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", src, rerr)
		}
	}
	return pending.CloseAtomicallyReplace()
}
