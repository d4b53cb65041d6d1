package config

import (
	"strings"
)

// secretSuffixes mark a dot-separated key as a credential. Matching on the
// last segment covers llm.api_key, redis.password, telegram.token and any
// credential added to a new section later.
var secretSuffixes = []string{"api_key", "password", "token"}

// IsSecretKey reports whether the given dot-separated key holds a secret.
func IsSecretKey(key string) bool {
	last := key
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		last = key[i+1:]
	}
	for _, s := range secretSuffixes {
		if last == s {
			return true
		}
	}
	return false
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// Lists are leaves: {"telegram": {"targets": [...]}} becomes
// {"telegram.targets": [...]}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	walk(nil, m, out)
	return out
}

func walk(path []string, m map[string]any, out map[string]any) {
	for k, v := range m {
		p := append(path[:len(path):len(path)], k)
		if child, ok := v.(map[string]any); ok {
			walk(p, child, out)
			continue
		}
		out[strings.Join(p, ".")] = v
	}
}

// Unflatten converts a flat map with dot-separated keys back into a nested
// map. A scalar on the path to a deeper key is replaced by a map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := node[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[part] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret string values shown
// as "***" plus their last four characters. Empty values stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !ok || s == "" || !IsSecretKey(k) {
			out[k] = v
			continue
		}
		out[k] = mask(s)
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
