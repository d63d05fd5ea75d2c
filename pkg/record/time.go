package record

import (
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Values below this are treated as unix seconds; at or above, milliseconds.
// The cutoff (Sat Nov 20 2286 in seconds, Sat Mar 03 1973 in ms) is far
// enough from any plausible event time on either side.
const msCutoff = int64(1e10)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CoerceTime turns a time-ish value into unix milliseconds. Numeric input is
// interpreted as unix seconds or milliseconds by magnitude; strings are
// parsed as UTC. ok is false when the value cannot be coerced.
func CoerceTime(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return secondsOrMillis(v), true
	case int:
		return secondsOrMillis(int64(v)), true
	case float64:
		return secondsOrMillisFloat(v), true
	case float32:
		return secondsOrMillisFloat(float64(v)), true
	case jsoniter.Number:
		if f, err := v.Float64(); err == nil {
			return secondsOrMillisFloat(f), true
		}
		return 0, false
	case string:
		return coerceTimeString(v)
	default:
		return 0, false
	}
}

func coerceTimeString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsOrMillisFloat(f), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func secondsOrMillis(n int64) int64 {
	if n < msCutoff {
		return n * 1000
	}
	return n
}

func secondsOrMillisFloat(f float64) int64 {
	if f < float64(msCutoff) {
		return int64(f * 1000)
	}
	return int64(f)
}
