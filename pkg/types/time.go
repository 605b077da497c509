package types

import (
	"fmt"
	"time"
)

// TimeLayout is the canonical serialization for every persisted timestamp.
// Six fractional digits are always emitted so that string comparison of two
// timestamps orders the same way as the instants they denote.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

// FormatTime serializes t in the canonical UTC form, e.g.
// "2026-03-01T09:30:00.000000+00:00".
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical timestamp. It also accepts RFC 3339 input
// (with or without fractional seconds) so externally supplied values such as
// key expirations can be normalized on the way in.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// NormalizeTime re-serializes an externally supplied timestamp into the
// canonical form, failing if it cannot be parsed.
func NormalizeTime(s string) (string, error) {
	t, err := ParseTime(s)
	if err != nil {
		return "", err
	}
	return FormatTime(t), nil
}
