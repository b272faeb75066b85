package utils

import "time"

// GetCurrentTimestampMS returns the current Unix timestamp in milliseconds.
func GetCurrentTimestampMS() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// FormatTimeRFC3339 formats a time.Time object into RFC3339 string format.
func FormatTimeRFC3339(t time.Time) string {
	return t.Format(time.RFC3339)
}
