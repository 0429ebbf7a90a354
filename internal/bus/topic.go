package bus

import (
	"fmt"
	"strings"
)

// Topics are dot-separated segment names, e.g. "task.completed".
// Subscription patterns may use "*" for exactly one segment: "task.*"
// matches "task.completed" but not "task" or "task.run.completed".

// ValidateTopic checks a concrete topic name (no wildcards).
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" {
			return fmt.Errorf("topic %q has an empty segment", topic)
		}
		if seg == "*" {
			return fmt.Errorf("topic %q: wildcards are only valid in subscription patterns", topic)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		}
	}
	return nil
}

// MatchTopic reports whether a pattern matches a topic, segment-wise.
func MatchTopic(pattern, topic string) bool {
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}
