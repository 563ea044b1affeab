package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// timestampScale is the number of ticks per second; timestamps keep five
// decimal places, which is the resolution of their normalized string form.
const timestampScale = 100000

// Timestamp is a point in time expressed in ticks of 10 microseconds since the
// epoch. Timestamps are totally ordered and compare as real numbers; on the
// wire they travel in the fixed 16 character form "0000000100.00000".
type Timestamp int64

// ZeroTimestamp is the value used for timestamps that were never set.
const ZeroTimestamp Timestamp = 0

// ParseTimestamp parses any float-formatted string into a Timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid timestamp %q: not finite", s)
	}
	if math.Abs(f) > float64(math.MaxInt64/timestampScale) {
		return 0, fmt.Errorf("invalid timestamp %q: out of range", s)
	}
	return Timestamp(math.Round(f * timestampScale)), nil
}

// MustParseTimestamp is ParseTimestamp for literals known to be valid.
func MustParseTimestamp(s string) Timestamp {
	ts, err := ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// TimestampFromTime converts a wall clock time into a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / (int64(time.Second) / timestampScale))
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// String returns the normalized form of the timestamp.
func (t Timestamp) String() string {
	if t < 0 {
		return fmt.Sprintf("%016.05f", float64(t)/timestampScale)
	}
	return fmt.Sprintf("%010d.%05d", int64(t)/timestampScale, int64(t)%timestampScale)
}

// After reports whether t is strictly newer than other.
func (t Timestamp) After(other Timestamp) bool {
	return t > other
}

// MaxTimestamp returns the newest of the given timestamps.
func MaxTimestamp(a, b Timestamp) Timestamp {
	if b > a {
		return b
	}
	return a
}

// MarshalJSON encodes the timestamp as its normalized string.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts both string and numeric encodings.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ZeroTimestamp
		return nil
	}
	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}
