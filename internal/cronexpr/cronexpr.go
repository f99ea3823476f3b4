// Package cronexpr evaluates five-field cron expressions against a
// timezone. The accepted grammar is deliberately narrow: each field is
// either "*" or a comma-separated list of integers within the field's
// range. Ranges, steps and names are rejected.
package cronexpr

import (
	"strconv"
	"strings"
	"time"

	"schedengine/internal/shared"
)

// field positions, in expression order.
const (
	fieldMinute = iota
	fieldHour
	fieldDay
	fieldMonth
	fieldWeekday
	fieldCount
)

var fieldNames = [fieldCount]string{"minute", "hour", "day", "month", "weekday"}

var fieldBounds = [fieldCount]struct{ min, max int }{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day
	{1, 12}, // month
	{0, 6},  // weekday, 0 = Sunday
}

// fieldSet is the allowed value set for one field. A nil values map
// means wildcard.
type fieldSet struct {
	values map[int]struct{}
}

func (f fieldSet) matches(v int) bool {
	if f.values == nil {
		return true
	}
	_, ok := f.values[v]
	return ok
}

// Expression is a parsed cron expression. Zero value is not usable;
// obtain one through Parse.
type Expression struct {
	fields [fieldCount]fieldSet
	source string
}

// String returns the original expression text.
func (e *Expression) String() string { return e.source }

// Parse parses a five-field cron expression. It fails with
// shared.ErrInvalidCron when the expression does not split into exactly
// five whitespace-separated fields or any listed value is out of the
// field's range.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != fieldCount {
		return nil, shared.Wrapf(shared.ErrInvalidCron, "expected 5 fields, got %d", len(parts))
	}

	e := &Expression{source: expr}
	for i, part := range parts {
		set, err := parseField(part, fieldBounds[i].min, fieldBounds[i].max)
		if err != nil {
			return nil, shared.MarkKind(shared.Wrapf(err, "field %s", fieldNames[i]), shared.KindInvalidCron)
		}
		e.fields[i] = set
	}
	return e, nil
}

func parseField(part string, min, max int) (fieldSet, error) {
	if part == "*" {
		return fieldSet{}, nil
	}
	values := make(map[int]struct{})
	for _, tok := range strings.Split(part, ",") {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return fieldSet{}, shared.Wrapf(shared.ErrInvalidCron, "value %q is not an integer", tok)
		}
		if v < min || v > max {
			return fieldSet{}, shared.Wrapf(shared.ErrInvalidCron, "value %d out of range [%d,%d]", v, min, max)
		}
		values[v] = struct{}{}
	}
	return fieldSet{values: values}, nil
}

// searchHorizon bounds the forward scan. Five years covers every
// satisfiable expression in the accepted grammar (worst case: a
// leap-day schedule).
const searchHorizon = 5 * 366 * 24 * time.Hour

// Next returns the first instant strictly after `after` whose wall
// clock in loc matches the expression. The zero time is returned when
// no match exists within the search horizon (e.g. "0 0 31 2 *").
//
// Candidates are built as wall-clock times and converted to absolute
// instants via loc's offset at that wall clock. A local time skipped
// by a DST transition normalizes forward across the gap, so such a
// candidate resolves to the first valid instant after it rather than
// vanishing.
func (e *Expression) Next(after time.Time, loc *time.Location) time.Time {
	t := after.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(searchHorizon)

	for !t.After(limit) {
		if !e.fields[fieldMonth].matches(int(t.Month())) {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			continue
		}
		if e.fields[fieldDay].matches(t.Day()) && e.fields[fieldWeekday].matches(int(t.Weekday())) {
			if got := e.nextInDay(t.Year(), t.Month(), t.Day(), after, loc); !got.IsZero() {
				return got
			}
		}
		t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
	}
	return time.Time{}
}

// nextInDay returns the earliest instant strictly after `after` whose
// wall clock on the given local date satisfies the hour and minute
// fields, or the zero time when the date has no such instant left.
// Normalization across a DST gap can reorder candidates, so the whole
// day is scanned and the minimum taken.
func (e *Expression) nextInDay(year int, month time.Month, day int, after time.Time, loc *time.Location) time.Time {
	var best time.Time
	for h := 0; h < 24; h++ {
		if !e.fields[fieldHour].matches(h) {
			continue
		}
		for m := 0; m < 60; m++ {
			if !e.fields[fieldMinute].matches(m) {
				continue
			}
			ct := time.Date(year, month, day, h, m, 0, 0, loc)
			if !ct.After(after) {
				continue
			}
			if best.IsZero() || ct.Before(best) {
				best = ct
			}
		}
	}
	return best
}

// NextFire parses expr, resolves tz and returns the next matching
// instant strictly after `after`. It is the one-shot form used by the
// schedule store when computing nextRunAt. An unknown timezone fails
// with shared.ErrValidation; an unsatisfiable expression returns the
// zero time with no error.
func NextFire(expr, tz string, after time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, shared.MarkKind(shared.Wrapf(err, "timezone %q", tz), shared.KindValidation)
	}
	return e.Next(after, loc), nil
}

// Validate checks expr and tz without computing a fire time.
func Validate(expr, tz string) error {
	if _, err := Parse(expr); err != nil {
		return err
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return shared.MarkKind(shared.Wrapf(err, "timezone %q", tz), shared.KindValidation)
	}
	return nil
}
