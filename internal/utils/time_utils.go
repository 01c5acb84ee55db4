package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var units = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses durations written as "<number><unit>" with unit one of ms, s, m, h, d.
// An empty string parses to zero.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, nil
	}
	for _, u := range units {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			// "5m" also ends with "m" after "ms" failed, keep looking
			continue
		}
		if number < 0 {
			return 0, fmt.Errorf("negative duration: %s", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// MustParseStringTime is ParseStringTime for values already validated, returning fallback on error.
func MustParseStringTime(timeString string, fallback time.Duration) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil {
		return fallback
	}
	return d
}
