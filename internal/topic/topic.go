// Package topic validates MQTT topic names and filters and matches them segment by segment.
package topic

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyTopic         = errors.New("topic cannot be empty")
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

const (
	separator           = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateName checks a topic name used in PUBLISH. Wildcards are not allowed.
func ValidateName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	for i := 0; i < len(topic); i++ {
		switch topic[i] {
		case 0, singleLevelWildcard, multiLevelWildcard:
			return ErrInvalidTopicName
		}
	}
	return nil
}

// ValidateFilter checks a subscription filter. A wildcard must occupy a whole level
// and '#' may only be the last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(filter) || strings.IndexByte(filter, 0) >= 0 {
		return ErrInvalidTopicFilter
	}

	start := 0
	for start <= len(filter) {
		end := start
		for end < len(filter) && filter[end] != separator {
			end++
		}
		level := filter[start:end]
		if strings.IndexByte(level, singleLevelWildcard) >= 0 && level != "+" {
			return ErrInvalidTopicFilter
		}
		if strings.IndexByte(level, multiLevelWildcard) >= 0 {
			if level != "#" || end != len(filter) {
				return ErrInvalidTopicFilter
			}
		}
		start = end + 1
	}
	return nil
}

// Match reports whether topic matches filter. Topics starting with '$' are not matched
// by a filter whose first level is a wildcard. Match does not allocate.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard) {
		return false
	}

	// a cursor past the end of the string means every level has been consumed
	fi, ti := 0, 0
	flen, tlen := len(filter), len(topic)
	for fi <= flen {
		fend := fi
		for fend < flen && filter[fend] != separator {
			fend++
		}
		flevel := filter[fi:fend]

		// '#' also matches the parent level: "a/#" matches "a"
		if flevel == "#" {
			return true
		}
		if ti > tlen {
			return false
		}

		tend := ti
		for tend < tlen && topic[tend] != separator {
			tend++
		}
		if flevel != "+" && flevel != topic[ti:tend] {
			return false
		}

		fi, ti = fend+1, tend+1
	}

	return ti > tlen
}

// IsSystem reports whether the topic belongs to the broker's '$' namespace.
func IsSystem(topic string) bool {
	return topic != "" && topic[0] == '$'
}

// HasWildcard reports whether a filter contains '+' or '#'.
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}
