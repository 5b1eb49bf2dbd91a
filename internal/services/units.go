package services

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

const bytesPerTerabyte = 1 << 40

// ToTerabytes converts bytes to binary terabytes rounded to two decimals.
func ToTerabytes(b int64) float64 {
	return math.Round(float64(b)/bytesPerTerabyte*100) / 100
}

// Layouts accepted from clients, most specific first. The backup tool sends
// naive ISO-8601 strings.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp returns nil for an empty value.
func parseTimestamp(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, invalid(field, "%s is not a valid timestamp", field)
}

// truncate cuts s to at most width characters.
func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	return string([]rune(s)[:width])
}

func checkWidth(field, value string, width int) error {
	if utf8.RuneCountInString(value) > width {
		return invalid(field, "%s must be at most %d characters", field, width)
	}
	return nil
}
