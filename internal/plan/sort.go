// SPDX-License-Identifier: MIT

package plan

import "sort"

// sortOutput makes every task list deterministic across runs.
func sortOutput(out *Output) {
	sort.SliceStable(out.CacheIns, func(i, j int) bool {
		a, b := out.CacheIns[i], out.CacheIns[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Users) != len(b.Users) {
			return len(a.Users) > len(b.Users)
		}
		return a.Path < b.Path
	})
	sort.Slice(out.Restores, func(i, j int) bool {
		return out.Restores[i].Path < out.Restores[j].Path
	})
	sort.Strings(out.LastSeen)
	sort.Strings(out.Deferred)
	sort.Strings(out.Warnings)
}

func sortStrings(s []string) {
	sort.Strings(s)
}
