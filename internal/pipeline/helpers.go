package pipeline

import (
	"strings"
	"time"
)

// DefaultHelpers are bound into every script environment.
func DefaultHelpers() map[string]any {
	return map[string]any{
		"pick": Pick,
		"omit": Omit,
		"get":  Get,
		"now":  Now,
	}
}

// Pick copies only the given keys.
func Pick(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Omit copies everything but the given keys.
func Omit(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Get reads a dotted path, e.g. get(item, "user.screen_name").
func Get(v any, path string) any {
	if path == "" {
		return v
	}
	for _, part := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[part]
	}
	return v
}

// Now returns the current time in ISO 8601.
func Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
