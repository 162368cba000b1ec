package bus

import (
	"fmt"
	"strings"
)

// Topic grammar: dotted segments, case-sensitive. A subscription pattern may
// use `*` to match exactly one segment and a trailing `>` to match one or
// more remaining segments.

// ValidatePattern checks that pattern conforms to the topic grammar: no
// empty segments and `>` only as the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}
	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrBadPattern, pattern)
		}
		if seg == ">" && i != len(segments)-1 {
			return fmt.Errorf("%w: %q may only end with >", ErrBadPattern, pattern)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches pattern. Matching is
// segment-by-segment: `*` matches exactly one segment, a trailing `>`
// absorbs one or more remaining segments, and anything else must be equal.
// Exact string equality is a special case of the general rule.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	patSegs := strings.Split(pattern, ".")
	topSegs := strings.Split(topic, ".")

	for i, p := range patSegs {
		if p == ">" {
			// Tail wildcard must be final and absorb at least one segment.
			return i == len(patSegs)-1 && len(topSegs) > i
		}
		if i >= len(topSegs) {
			return false
		}
		if p != "*" && p != topSegs[i] {
			return false
		}
	}
	return len(patSegs) == len(topSegs)
}
