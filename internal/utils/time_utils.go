package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseStringTime parses "10s", "5m", "1h" or "2d". The unit is case-insensitive.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if len(timeString) < 2 {
		return 0, fmt.Errorf("invalid time format: %q", timeString)
	}

	unit, ok := timeUnits[timeString[len(timeString)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid time unit: %q", timeString)
	}
	number, err := strconv.Atoi(timeString[:len(timeString)-1])
	if err != nil {
		return 0, fmt.Errorf("error parsing time string %q: %w", timeString, err)
	}
	if number < 0 {
		return 0, fmt.Errorf("negative duration: %q", timeString)
	}
	return time.Duration(number) * unit, nil
}

// ParseStringTimeOr returns fallback when timeString is empty or invalid.
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	if timeString == "" {
		return fallback
	}
	d, err := ParseStringTime(timeString)
	if err != nil {
		return fallback
	}
	return d
}
