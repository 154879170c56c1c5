// Package topics validates MQTT topic names and filters and matches them against each other.
package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

const (
	Separator           = "/"
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
)

// ValidateTopicName checks a PUBLISH topic: non-empty UTF-8 without wildcards or NUL.
func ValidateTopicName(topic string) error {
	if topic == "" || len(topic) > 0xFFFF || !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a SUBSCRIBE filter. '+' must occupy a whole level,
// '#' must occupy the whole last level.
func ValidateTopicFilter(filter string) error {
	if filter == "" || len(filter) > 0xFFFF || !utf8.ValidString(filter) {
		return ErrInvalidTopicFilter
	}
	if strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, Separator)
	for i, level := range levels {
		if strings.Contains(level, SingleLevelWildcard) && level != SingleLevelWildcard {
			return ErrInvalidTopicFilter
		}
		if strings.Contains(level, MultiLevelWildcard) && (level != MultiLevelWildcard || i != len(levels)-1) {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

// TopicMatch reports whether topic is selected by filter.
// Topics starting with '$' are never matched by a leading wildcard.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}
	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	filterLevels := strings.Split(filter, Separator)
	topicLevels := strings.Split(topic, Separator)
	for i, level := range filterLevels {
		// "a/#" 同时匹配 "a" 本身
		if level == MultiLevelWildcard {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != SingleLevelWildcard && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

// Levels splits a topic or filter into its levels.
func Levels(topic string) []string {
	return strings.Split(topic, Separator)
}
