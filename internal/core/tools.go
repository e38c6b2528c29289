package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout matches the 17-digit exchange timestamps: yyyymmddHHMMSSmmm
const TimestampLayout = "20060102150405.000"

// ParseTimestamp converts a 17-digit timestamp string to a time.Time.
// The trailing three digits are milliseconds.
func ParseTimestamp(ts string) (time.Time, error) {
	if len(ts) != 17 {
		return time.Time{}, fmt.Errorf("timestamp %q is not 17 digits", ts)
	}
	t, err := time.ParseInLocation(TimestampLayout, ts[:14]+"."+ts[14:], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	return t, nil
}

// FormatTimestamp renders a time.Time in the 17-digit wire form
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
}

// ValidTimestamp reports whether the string is 17 ASCII digits
func ValidTimestamp(ts string) bool {
	if len(ts) != 17 {
		return false
	}
	for i := 0; i < len(ts); i++ {
		if ts[i] < '0' || ts[i] > '9' {
			return false
		}
	}
	return true
}

// MarketDataFresh reports whether the timestamp is within tolerance of now.
// Malformed timestamps are treated as stale.
func MarketDataFresh(ts string, tolerance time.Duration, now time.Time) bool {
	t, err := ParseTimestamp(ts)
	if err != nil {
		return false
	}
	return now.Sub(t) <= tolerance
}

// RefID builds an order reference id from a wall-clock second and a
// per-task counter: "20190725152929_00000001".
func RefID(t time.Time, count int64) string {
	return fmt.Sprintf("%s_%08d", t.Format("20060102150405"), count)
}

// RefIDCounter extracts the counter suffix of a ref id, or -1 if malformed
func RefIDCounter(refID string) int64 {
	idx := strings.LastIndexByte(refID, '_')
	if idx < 0 {
		return -1
	}
	n, err := strconv.ParseInt(refID[idx+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}
