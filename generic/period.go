package generic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// INTERVAL - Calendar repeat such as [1, "month"]
// =============================================================================

// IntervalUnit is the calendar unit of a repeat interval.
type IntervalUnit string

const (
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
	UnitWeek   IntervalUnit = "week"
	UnitMonth  IntervalUnit = "month"
	UnitYear   IntervalUnit = "year"
)

func (u IntervalUnit) valid() bool {
	switch u {
	case UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
		return true
	}
	return false
}

// Interval is a positive count of calendar units.
// On the wire it is the two-element array [count, unit].
type Interval struct {
	Count int
	Unit  IntervalUnit
}

// NewInterval validates and builds an interval.
func NewInterval(count int, unit IntervalUnit) (Interval, error) {
	iv := Interval{Count: count, Unit: unit}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// MustInterval panics on an invalid interval. Intended for literals.
func MustInterval(count int, unit IntervalUnit) Interval {
	iv, err := NewInterval(count, unit)
	if err != nil {
		panic(err)
	}
	return iv
}

// Validate checks that the count is positive and the unit is known.
func (iv Interval) Validate() error {
	if iv.Count <= 0 {
		return &ValidationError{Field: "interval", Reason: fmt.Sprintf("count must be a positive integer, got %d", iv.Count)}
	}
	if !iv.Unit.valid() {
		return &ValidationError{Field: "interval", Reason: fmt.Sprintf("unknown unit %q", iv.Unit)}
	}
	return nil
}

// AddTo advances an instant by the interval using UTC calendar arithmetic.
// Month and year additions normalise overflow the way time.AddDate does
// (Jan 31 + 1 month = Mar 3 in a non-leap year).
func (iv Interval) AddTo(m Millis) Millis {
	t := m.Time()
	switch iv.Unit {
	case UnitMinute:
		t = t.Add(time.Duration(iv.Count) * time.Minute)
	case UnitHour:
		t = t.Add(time.Duration(iv.Count) * time.Hour)
	case UnitDay:
		t = t.AddDate(0, 0, iv.Count)
	case UnitWeek:
		t = t.AddDate(0, 0, 7*iv.Count)
	case UnitMonth:
		t = t.AddDate(0, iv.Count, 0)
	case UnitYear:
		t = t.AddDate(iv.Count, 0, 0)
	}
	return FromTime(t)
}

// Key is a compact, stable identifier used in derived transaction ids and
// for grouping items that share a repeat.
func (iv Interval) Key() string {
	return fmt.Sprintf("%d-%s", iv.Count, iv.Unit)
}

func (iv Interval) String() string { return iv.Key() }

// SameInterval compares two optional intervals.
func SameInterval(a, b *Interval) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (iv Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{iv.Count, iv.Unit})
}

func (iv *Interval) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Field: "interval", Reason: "expected [count, unit]"}
	}
	if len(raw) != 2 {
		return &ValidationError{Field: "interval", Reason: "expected exactly two elements"}
	}
	var count float64
	if err := json.Unmarshal(raw[0], &count); err != nil || count != float64(int(count)) {
		return &ValidationError{Field: "interval", Reason: "count must be an integer"}
	}
	var unit IntervalUnit
	if err := json.Unmarshal(raw[1], &unit); err != nil {
		return &ValidationError{Field: "interval", Reason: "unit must be a string"}
	}
	parsed, err := NewInterval(int(count), unit)
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}

// ParseRepeat decodes an optional repeat value: the literal "never", null,
// or an interval array. A nil result means no repeat.
func ParseRepeat(data json.RawMessage) (*Interval, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`"never"`)) {
		return nil, nil
	}
	var iv Interval
	if err := json.Unmarshal(trimmed, &iv); err != nil {
		return nil, err
	}
	return &iv, nil
}
