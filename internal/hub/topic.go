package hub

import (
	"fmt"
	"strings"
)

// matchTopic reports whether topic matches filter, honouring the single-level
// (+) and multi-level (#) wildcards. Topics starting with $ never match a
// filter that begins with a wildcard.
func matchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("topic filter %q: # must be last", filter)
		case level != "#" && level != "+" && strings.ContainsAny(level, "#+"):
			return fmt.Errorf("topic filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}

func validateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic name")
	}
	if strings.ContainsAny(topic, "#+") {
		return fmt.Errorf("topic name %q contains wildcard", topic)
	}
	return nil
}
