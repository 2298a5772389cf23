package bus

import "strings"

// MatchTopic reports whether an MQTT topic matches a pattern where `+`
// matches exactly one topic segment. Segment counts must agree: a
// topic with extra trailing segments does not match. The `#` wildcard
// is intentionally unsupported; the bridge subscribes only to
// fixed-depth patterns.
func MatchTopic(pattern, topic string) bool {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	if len(ps) != len(ts) {
		return false
	}
	for i, p := range ps {
		if p == "+" {
			if ts[i] == "" {
				return false
			}
			continue
		}
		if p != ts[i] {
			return false
		}
	}
	return true
}

// TopicSegments splits a topic into its segments.
func TopicSegments(topic string) []string {
	return strings.Split(topic, "/")
}
