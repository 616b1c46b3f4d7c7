package orchestrator

import (
	"sort"
	"strings"
)

// Prefix rule modes
const (
	PrefixFirstSegment = "first_segment"
	PrefixParentDir    = "parent_dir"
)

// PrefixRule derives the listing prefix for a job's outputs from its source
// storage key. first_segment keeps everything before the first separator,
// parent_dir everything before the last one.
type PrefixRule struct {
	Mode      string
	Separator string
}

func (r PrefixRule) withDefaults() PrefixRule {
	if r.Mode == "" {
		r.Mode = PrefixFirstSegment
	}
	if r.Separator == "" {
		r.Separator = "/"
	}
	return r
}

// Prefix returns the listing prefix for storageKey
func (r PrefixRule) Prefix(storageKey string) string {
	r = r.withDefaults()

	var idx int
	if r.Mode == PrefixParentDir {
		idx = strings.LastIndex(storageKey, r.Separator)
	} else {
		idx = strings.Index(storageKey, r.Separator)
	}
	if idx < 0 {
		return storageKey
	}
	return storageKey[:idx]
}

// Outputs filters listed keys down to produced objects: inside the prefix
// boundary, not directory markers, not the source itself. The result is
// sorted and free of duplicates.
func (r PrefixRule) Outputs(prefix, sourceKey string, keys []string) []string {
	r = r.withDefaults()
	boundary := prefix + r.Separator

	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == sourceKey || !strings.HasPrefix(k, boundary) || strings.HasSuffix(k, r.Separator) {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
