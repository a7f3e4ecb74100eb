package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Topic syntax limits.
const (
	MaxTopicLength = 255

	WildcardSingle = "*"
	WildcardMulti  = "**"
)

var (
	ErrEmptyTopic   = errors.New("topic must not be empty")
	ErrTopicTooLong = fmt.Errorf("topic exceeds %d characters", MaxTopicLength)
)

func validSegmentChar(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-'
}

// SplitTopic splits a topic or pattern into its dot-separated segments.
func SplitTopic(topic string) []string {
	return strings.Split(topic, ".")
}

// ValidateTopic checks a concrete topic: non-empty, at most 255 chars,
// dot-separated segments of [A-Za-z0-9_-], no empty segments and no
// wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if len(topic) > MaxTopicLength {
		return ErrTopicTooLong
	}
	for _, seg := range SplitTopic(topic) {
		if seg == "" {
			return fmt.Errorf("topic %q has an empty segment", topic)
		}
		for i := 0; i < len(seg); i++ {
			if !validSegmentChar(seg[i]) {
				return fmt.Errorf("topic %q has invalid character %q", topic, seg[i])
			}
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern. Segments follow topic syntax
// with two meta-segments: "*" matches exactly one segment anywhere, "**"
// matches one or more trailing segments and must be the last segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrEmptyTopic
	}
	if len(pattern) > MaxTopicLength {
		return ErrTopicTooLong
	}
	segments := SplitTopic(pattern)
	for i, seg := range segments {
		switch seg {
		case "":
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		case WildcardSingle:
			continue
		case WildcardMulti:
			if i != len(segments)-1 {
				return fmt.Errorf("pattern %q has %q before the last segment", pattern, WildcardMulti)
			}
		default:
			for j := 0; j < len(seg); j++ {
				if !validSegmentChar(seg[j]) {
					return fmt.Errorf("pattern %q has invalid character %q", pattern, seg[j])
				}
			}
		}
	}
	return nil
}

// PatternMatches is the reference recursive predicate for pattern matching.
// The trie index must agree with it; tests assert the equivalence.
func PatternMatches(pattern, topic string) bool {
	return segmentsMatch(SplitTopic(pattern), SplitTopic(topic))
}

func segmentsMatch(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}
	if pattern[0] == WildcardMulti {
		// Trailing ** matches one or more remaining segments.
		return len(topic) >= 1
	}
	if len(topic) == 0 {
		return false
	}
	if pattern[0] != WildcardSingle && pattern[0] != topic[0] {
		return false
	}
	return segmentsMatch(pattern[1:], topic[1:])
}
