package messaging

import (
	"fmt"
	"strings"
)

// ValidatePattern checks that a binding pattern is non-empty and has no
// empty segments. Routing keys themselves are validated with ValidateRoutingKey.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// ValidateRoutingKey checks that a routing key is dot-separated and free of wildcards.
func ValidateRoutingKey(key string) error {
	if key == "" {
		return fmt.Errorf("messaging: empty routing key")
	}
	for _, seg := range strings.Split(key, ".") {
		if seg == "" {
			return fmt.Errorf("messaging: empty segment in routing key %q", key)
		}
		if seg == "*" || seg == "#" {
			return fmt.Errorf("messaging: wildcard in routing key %q", key)
		}
	}
	return nil
}

// MatchTopic reports whether routing key matches a topic binding pattern.
// "*" matches exactly one segment, "#" matches zero or more segments.
func MatchTopic(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			// Collapse consecutive hashes, then try every split point.
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == "#" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

// MatchAny reports whether key matches at least one pattern.
func MatchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if MatchTopic(p, key) {
			return true
		}
	}
	return false
}
