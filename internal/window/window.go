// Package window turns loosely specified date boundaries ("today", "3 days",
// epoch numbers, ISO dates) into an immutable time interval used to accept or
// reject records by their creation timestamp.
package window

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/masa-finance/timeline-harvester/internal/errs"
)

var relativePattern = regexp.MustCompile(`^(\d+)\s?(minute|second|day|hour|month|year|week)s?$`)

var numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Millisecond epochs have at least 13 digits for any date after 2001-09-09.
const millisecondThreshold = 1e12

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	time.RubyDate,
	time.RFC1123Z,
	time.RFC1123,
	time.UnixDate,
}

// InvalidWindowError is returned when the lower boundary resolves after the upper one.
type InvalidWindowError struct {
	Min time.Time
	Max time.Time
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid date window: min %s is after max %s", e.Min.Format(time.RFC3339), e.Max.Format(time.RFC3339))
}

func (e *InvalidWindowError) Unwrap() error {
	return errs.ErrValidation
}

// Window is an optionally open ended interval. The zero value accepts every
// parseable timestamp.
type Window struct {
	min *time.Time
	max *time.Time
}

// New parses both boundaries relative to the current time.
func New(min, max any) (Window, error) {
	return NewAt(min, max, time.Now().UTC())
}

// NewAt parses both boundaries relative to now.
func NewAt(min, max any, now time.Time) (Window, error) {
	w := Window{
		min: ParseBoundary(min, false, now),
		max: ParseBoundary(max, true, now),
	}
	if w.min != nil && w.max != nil && w.min.After(*w.max) {
		return Window{}, &InvalidWindowError{Min: *w.min, Max: *w.max}
	}
	return w, nil
}

func (w Window) MinDate() *time.Time {
	if w.min == nil {
		return nil
	}
	t := *w.min
	return &t
}

func (w Window) MaxDate() *time.Time {
	if w.max == nil {
		return nil
	}
	t := *w.max
	return &t
}

func (w Window) Unbounded() bool {
	return w.min == nil && w.max == nil
}

// Compare reports whether the timestamp falls inside the window, boundaries
// included. Values that cannot be read as a timestamp are outside.
func (w Window) Compare(value any) bool {
	ts, ok := ParseTimestamp(value)
	if !ok {
		return false
	}
	if w.min != nil && ts.Before(*w.min) {
		return false
	}
	if w.max != nil && ts.After(*w.max) {
		return false
	}
	return true
}

func (w Window) String() string {
	format := func(t *time.Time) string {
		if t == nil {
			return "*"
		}
		return t.Format(time.RFC3339)
	}
	return fmt.Sprintf("[%s, %s]", format(w.min), format(w.max))
}

// ParseBoundary resolves a boundary expression. Lower boundaries resolve to
// the start of a day or now minus a duration, upper boundaries to the end of
// a day or now plus a duration. It returns nil for absent or unparseable input.
func ParseBoundary(value any, upper bool, now time.Time) *time.Time {
	now = now.UTC()

	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		if v.IsZero() {
			return nil
		}
		t := v.UTC()
		return &t
	case *time.Time:
		if v == nil || v.IsZero() {
			return nil
		}
		t := v.UTC()
		return &t
	case string:
		return parseBoundaryString(v, upper, now)
	default:
		if t, ok := fromNumber(v); ok {
			return &t
		}
		return nil
	}
}

func parseBoundaryString(raw string, upper bool, now time.Time) *time.Time {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return nil
	}

	switch s {
	case "today":
		t := dayBoundary(now, upper)
		return &t
	case "yesterday":
		t := dayBoundary(now.AddDate(0, 0, -1), upper)
		return &t
	}

	if numericPattern.MatchString(s) {
		if t, ok := fromNumericString(s); ok {
			return &t
		}
		return nil
	}

	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		if !upper {
			n = -n
		}
		t := shift(now, n, m[2])
		return &t
	}

	if t, ok := parseAbsolute(strings.TrimSpace(raw)); ok {
		return &t
	}
	return nil
}

func dayBoundary(t time.Time, end bool) time.Time {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if end {
		return start.Add(24*time.Hour - time.Nanosecond)
	}
	return start
}

func shift(t time.Time, n int, unit string) time.Time {
	switch unit {
	case "second":
		return t.Add(time.Duration(n) * time.Second)
	case "minute":
		return t.Add(time.Duration(n) * time.Minute)
	case "hour":
		return t.Add(time.Duration(n) * time.Hour)
	case "day":
		return t.AddDate(0, 0, n)
	case "week":
		return t.AddDate(0, 0, 7*n)
	case "month":
		return t.AddDate(0, n, 0)
	case "year":
		return t.AddDate(n, 0, 0)
	}
	return t
}

// ParseTimestamp reads a record timestamp: time values, epoch seconds or
// milliseconds (numbers or numeric strings) and the usual absolute formats,
// including the backend's "Mon Jan 02 15:04:05 -0700 2006".
func ParseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v.UTC(), !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return v.UTC(), !v.IsZero()
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if numericPattern.MatchString(s) {
			return fromNumericString(s)
		}
		return parseAbsolute(s)
	default:
		return fromNumber(v)
	}
}

func parseAbsolute(s string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func fromNumericString(s string) (time.Time, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, false
	}
	return fromEpoch(f)
}

func fromNumber(v any) (time.Time, bool) {
	switch n := v.(type) {
	case int:
		return fromEpoch(float64(n))
	case int32:
		return fromEpoch(float64(n))
	case int64:
		return fromEpoch(float64(n))
	case uint:
		return fromEpoch(float64(n))
	case uint64:
		return fromEpoch(float64(n))
	case float32:
		return fromEpoch(float64(n))
	case float64:
		return fromEpoch(n)
	case json.Number:
		return fromNumericString(n.String())
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if math.Abs(f) >= millisecondThreshold {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
