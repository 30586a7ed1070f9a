package generic

import (
	"math"
	"time"
)

// =============================================================================
// MILLIS - Epoch milliseconds, the only time representation in the ledger
// =============================================================================

// Millis is an instant expressed as milliseconds since the Unix epoch.
type Millis int64

// FarFuture marks a grant that never expires.
const FarFuture Millis = math.MaxInt64

// FromTime converts a wall-clock time to Millis.
func FromTime(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

// FromTimePtr converts an optional time, keeping nil as nil.
func FromTimePtr(t *time.Time) *Millis {
	if t == nil {
		return nil
	}
	m := FromTime(*t)
	return &m
}

// Time returns the instant as a UTC time.Time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

func (m Millis) Before(other Millis) bool        { return m < other }
func (m Millis) After(other Millis) bool         { return m > other }
func (m Millis) BeforeOrEqual(other Millis) bool { return m <= other }

// IsFarFuture reports whether m is the never-expires sentinel.
func (m Millis) IsFarFuture() bool { return m == FarFuture }

func (m Millis) String() string {
	if m.IsFarFuture() {
		return "never"
	}
	return m.Time().Format(time.RFC3339Nano)
}

// MinMillis returns the earlier of two instants.
func MinMillis(a, b Millis) Millis {
	if a < b {
		return a
	}
	return b
}

// Date is a convenience constructor for UTC instants, mostly used by tests
// and demo scenarios.
func Date(year int, month time.Month, day int) Millis {
	return FromTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}
