package status

import (
	"strconv"
	"strings"
	"time"
)

// connectedSinceLayouts are tried in order. OpenVPN writes the human form by
// default; the rest cover patched builds and log shippers that rewrite it.
var connectedSinceLayouts = []string{
	"Mon Jan _2 15:04:05 2006",
	"Mon Jan 02 15:04:05 2006",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
	"02/01/2006 15:04:05",
	"Mon Jan _2 15:04:05 MST 2006",
	"2006-01-02 15:04:05 MST",
	"01/02/2006 15:04:05 MST",
	"02/01/2006 15:04:05 MST",
	"Mon 2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// ParseConnectedSince parses a connection start time in any known format.
// Layouts without a zone are read in loc. The bool is false when nothing
// matched, in which case callers treat the connection as zero-duration.
func ParseConnectedSince(s string, loc *time.Location) (time.Time, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" || strings.EqualFold(s, "N/A") {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}

	for _, layout := range connectedSinceLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}

	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil && epoch > 0 {
		return time.Unix(epoch, 0), true
	}
	return time.Time{}, false
}

// DurationSince returns whole seconds between since and now, clamped at
// zero for unknown or future start times.
func DurationSince(since, now time.Time) int64 {
	if since.IsZero() {
		return 0
	}
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}
