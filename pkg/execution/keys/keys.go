// Package keys produces every Redis key used by the engine.
//
// All functions are pure: the same input always yields the same key.  Each
// generator wraps its prefix in a hash tag, eg. "{runqueue}", so that every key
// touched by one of the component's Lua scripts lands in the same Redis
// Cluster slot.
package keys

import "strings"

func hashTag(prefix, fallback string) string {
	prefix = strings.Trim(prefix, "{}")
	if prefix == "" {
		prefix = fallback
	}
	return "{" + prefix + "}"
}
