// SPDX-License-Identifier: MIT

// Package pathmap maps server-visible media paths onto their cache twins and
// classifies where a path's bytes currently live.
package pathmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnknownRoot is returned when a path matches no configured source root.
var ErrUnknownRoot = errors.New("path is under no configured source root")

// Class describes where the bytes of a server-visible path currently live.
type Class string

const (
	// OnCache: the cache twin exists as a regular file.
	OnCache Class = "onCache"
	// Redirected: the path itself is a symlink resolving under a cache root.
	Redirected Class = "redirected"
	// OnArray: the path is a regular file on the array.
	OnArray Class = "onArray"
	// Missing: neither tier holds the file.
	Missing Class = "missing"
)

// Pair binds one source root (plus alternates) to a cache root.
type Pair struct {
	SourceRoot string
	CacheRoot  string
	Alternates []string
}

// Mapping is the resolved triple for a server-visible path.
type Mapping struct {
	SourceRoot string
	Relative   string
	ArrayPath  string
	CachePath  string
	CacheRoot  string
}

// MediaFile is a value-typed handle on one media file. Identity is the
// server-visible path; the twin paths are derived and ignored for equality.
type MediaFile struct {
	Path    string
	Size    int64
	ModTime int64 // unix seconds
	Mapping Mapping
}

// subtitleExts is the fixed sibling extension set.
var subtitleExts = map[string]struct{}{
	".srt": {}, ".sub": {}, ".idx": {}, ".ass": {}, ".ssa": {}, ".vtt": {}, ".smi": {},
}

// Resolver maps server paths to cache twins via an ordered pair list.
type Resolver struct {
	pairs []Pair
}

// New builds a Resolver. Roots are cleaned; ordering is preserved so the
// first matching root wins.
func New(pairs []Pair) (*Resolver, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("pathmap: no source/cache pairs configured")
	}
	cleaned := make([]Pair, len(pairs))
	for i, p := range pairs {
		cp := Pair{
			SourceRoot: filepath.Clean(p.SourceRoot),
			CacheRoot:  filepath.Clean(p.CacheRoot),
		}
		for _, alt := range p.Alternates {
			cp.Alternates = append(cp.Alternates, filepath.Clean(alt))
		}
		cleaned[i] = cp
	}
	return &Resolver{pairs: cleaned}, nil
}

// CacheRoots returns the distinct cache roots in configuration order.
func (r *Resolver) CacheRoots() []string {
	seen := map[string]struct{}{}
	var roots []string
	for _, p := range r.pairs {
		if _, ok := seen[p.CacheRoot]; !ok {
			seen[p.CacheRoot] = struct{}{}
			roots = append(roots, p.CacheRoot)
		}
	}
	return roots
}

// Resolve maps a server-visible path onto its (source_root, relative,
// cache_path) triple. Fails with ErrUnknownRoot when no pair matches.
func (r *Resolver) Resolve(p string) (Mapping, error) {
	clean := filepath.Clean(p)
	for _, pair := range r.pairs {
		roots := append([]string{pair.SourceRoot}, pair.Alternates...)
		for _, root := range roots {
			rel, ok := strip(root, clean)
			if !ok {
				continue
			}
			return Mapping{
				SourceRoot: root,
				Relative:   rel,
				ArrayPath:  clean,
				CachePath:  filepath.Join(pair.CacheRoot, rel),
				CacheRoot:  pair.CacheRoot,
			}, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: %s", ErrUnknownRoot, p)
}

// ResolveCachePath maps a file found under a cache root back onto its
// server-visible path, using the pair's primary source root.
func (r *Resolver) ResolveCachePath(cp string) (Mapping, error) {
	clean := filepath.Clean(cp)
	for _, pair := range r.pairs {
		rel, ok := strip(pair.CacheRoot, clean)
		if !ok {
			continue
		}
		return Mapping{
			SourceRoot: pair.SourceRoot,
			Relative:   rel,
			ArrayPath:  filepath.Join(pair.SourceRoot, rel),
			CachePath:  clean,
			CacheRoot:  pair.CacheRoot,
		}, nil
	}
	return Mapping{}, fmt.Errorf("%w: %s", ErrUnknownRoot, cp)
}

// RootOf returns the first path element of p, used for once-per-root
// logging of unresolvable candidates.
func RootOf(p string) string {
	clean := filepath.Clean(p)
	parts := strings.SplitN(strings.TrimPrefix(clean, string(filepath.Separator)), string(filepath.Separator), 2)
	if len(parts) == 0 {
		return clean
	}
	return string(filepath.Separator) + parts[0]
}

// strip returns p relative to root when p lives under it.
func strip(root, p string) (string, bool) {
	if p == root {
		return "", false
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return p[len(prefix):], true
}

// Classify inspects the filesystem to decide where p's bytes live. Order
// matters: a symlinked path whose target is a live cache file reports
// Redirected, not OnCache.
func (r *Resolver) Classify(p string) (Class, error) {
	m, err := r.Resolve(p)
	if err != nil {
		return Missing, err
	}

	if fi, err := os.Lstat(p); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if target, err := filepath.EvalSymlinks(p); err == nil {
			for _, root := range r.CacheRoots() {
				if _, ok := strip(root, filepath.Clean(target)); ok {
					return Redirected, nil
				}
			}
		}
	}

	if fi, err := os.Stat(m.CachePath); err == nil && fi.Mode().IsRegular() {
		return OnCache, nil
	}
	if fi, err := os.Lstat(p); err == nil && fi.Mode().IsRegular() {
		return OnArray, nil
	}
	return Missing, nil
}

// Siblings enumerates subtitle files next to p sharing its basename. The
// returned files carry their own resolved mappings.
func (r *Resolver) Siblings(p string) ([]MediaFile, error) {
	base := strings.TrimSuffix(p, filepath.Ext(p))
	matches, err := filepath.Glob(base + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []MediaFile
	for _, m := range matches {
		if m == p {
			continue
		}
		if _, ok := subtitleExts[strings.ToLower(filepath.Ext(m))]; !ok {
			continue
		}
		mf, err := r.Stat(m)
		if err != nil {
			continue
		}
		out = append(out, mf)
	}
	return out, nil
}

// Stat resolves p and fills in size and mtime from whichever tier holds it.
func (r *Resolver) Stat(p string) (MediaFile, error) {
	m, err := r.Resolve(p)
	if err != nil {
		return MediaFile{}, err
	}
	mf := MediaFile{Path: filepath.Clean(p), Mapping: m}
	fi, err := os.Stat(p)
	if err != nil {
		fi, err = os.Stat(m.CachePath)
		if err != nil {
			return mf, err
		}
	}
	mf.Size = fi.Size()
	mf.ModTime = fi.ModTime().Unix()
	return mf, nil
}
