package cache

import (
	"fmt"
	"sort"

	"goflare.io/hearth/internal/utils"
)

// Key derives a deterministic cache key from a prefix and call arguments.
// Positional arguments hash in order; a trailing map[string]any hashes as
// sorted key=value pairs, so two logically identical calls collide to the
// same key regardless of argument object identity or map iteration order.
func Key(prefix string, args ...any) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if kwargs, ok := arg.(map[string]any); ok {
			keys := make([]string, 0, len(kwargs))
			for k := range kwargs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%v", k, kwargs[k]))
			}
			continue
		}
		parts = append(parts, fmt.Sprintf("%v", arg))
	}
	return prefix + ":" + utils.HashParts(parts...)
}
