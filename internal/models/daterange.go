package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
)

// DateLayout is the YYYYMMDD format accepted on the command line.
const DateLayout = "20060102"

// Day is the length of one calendar day in UTC.
const Day = 24 * time.Hour

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,32}$`)

// NormalizeSymbol upper-cases and validates an instrument identifier.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(s) {
		return "", apperrors.InvalidArgument("invalid symbol %q: expected 2-32 letters or digits", symbol)
	}
	return s, nil
}

// DateRange is an inclusive pair of UTC calendar days.
type DateRange struct {
	First time.Time // first day, 00:00:00 UTC
	Last  time.Time // last day, 00:00:00 UTC
}

// ParseDate parses a YYYYMMDD string as a UTC day.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, apperrors.InvalidArgument("invalid date %q: use YYYYMMDD", s)
	}
	return d, nil
}

// ParseDateRange parses two YYYYMMDD strings and validates their order.
func ParseDateRange(start, end string) (DateRange, error) {
	first, err := ParseDate(start)
	if err != nil {
		return DateRange{}, err
	}
	last, err := ParseDate(end)
	if err != nil {
		return DateRange{}, err
	}
	return NewDateRange(first, last)
}

// NewDateRange truncates both times to their UTC day and validates the order.
func NewDateRange(first, last time.Time) (DateRange, error) {
	r := DateRange{First: TruncateDay(first), Last: TruncateDay(last)}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// Validate enforces start <= end.
func (r DateRange) Validate() error {
	if r.First.IsZero() || r.Last.IsZero() {
		return apperrors.InvalidArgument("date range is incomplete")
	}
	if r.First.After(r.Last) {
		return apperrors.New(apperrors.ErrorTypeRange, "", "",
			"start date %s is after end date %s", r.First.Format(DateLayout), r.Last.Format(DateLayout))
	}
	return nil
}

// Start is the inclusive lower bound of the range.
func (r DateRange) Start() time.Time {
	return r.First
}

// End is the exclusive upper bound of the range: midnight after the last day.
func (r DateRange) End() time.Time {
	return r.Last.Add(Day)
}

// Days lists every day in the range in ascending order.
func (r DateRange) Days() []time.Time {
	var days []time.Time
	for d := r.First; !d.After(r.Last); d = d.Add(Day) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether t falls inside [Start, End).
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start()) && t.Before(r.End())
}

// String renders the range as YYYYMMDD-YYYYMMDD.
func (r DateRange) String() string {
	return fmt.Sprintf("%s-%s", r.First.Format(DateLayout), r.Last.Format(DateLayout))
}

// TruncateDay returns midnight UTC of the day containing t.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BucketStart aligns t down to a multiple of width since the Unix epoch.
func BucketStart(t time.Time, width time.Duration) time.Time {
	w := int64(width)
	ns := t.UnixNano()
	offset := ns % w
	if offset < 0 {
		offset += w
	}
	return time.Unix(0, ns-offset).UTC()
}
