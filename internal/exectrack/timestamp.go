package exectrack

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Layouts accepted for stored timestamp strings, most specific first.
// Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e11 seconds is in the year 5138; 1e11 milliseconds is March 1973.
const epochMillisThreshold = 1e11

// ParseTimestamp decodes a persisted timestamp. It accepts ISO-8601 strings
// in several layouts and JSON numbers holding a Unix epoch in seconds or
// milliseconds. ok is false for null, empty and unrecognized values.
func ParseTimestamp(raw json.RawMessage) (t time.Time, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		return ParseTimestampString(s)
	case '{', '[', 't', 'f':
		return time.Time{}, false
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, false
	}
	if math.Abs(n) >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// ParseTimestampString parses s against the accepted layouts.
func ParseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
