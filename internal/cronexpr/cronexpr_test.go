package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedengine/internal/shared"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParse_Valid(t *testing.T) {
	tests := []string{
		"* * * * *",
		"0 8,10,12,14,16,18,20,22 * * *",
		"30 4 1 1 0",
		"0,15,30,45 * * * *",
		"59 23 31 12 6",
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			e, err := Parse(expr)
			require.NoError(t, err)
			assert.Equal(t, expr, e.String())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"four fields", "* * * *"},
		{"six fields", "* * * * * *"},
		{"minute out of range", "60 * * * *"},
		{"hour out of range", "0 24 * * *"},
		{"day zero", "0 0 0 * *"},
		{"month thirteen", "0 0 1 13 *"},
		{"weekday seven", "0 0 * * 7"},
		{"negative value", "-1 * * * *"},
		{"range syntax", "0-30 * * * *"},
		{"step syntax", "*/5 * * * *"},
		{"name syntax", "0 0 * * mon"},
		{"bad list element", "0 8,x,12 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			require.Error(t, err)
			assert.True(t, shared.IsInvalidCron(err), "want ErrInvalidCron, got %v", err)
		})
	}
}

func TestNext_MultiHourCadence(t *testing.T) {
	// Reference property: every two hours from 08:00 Pacific.
	la := mustLoc(t, "America/Los_Angeles")
	after := time.Date(2024, 1, 1, 9, 5, 0, 0, la)

	got, err := NextFire("0 8,10,12,14,16,18,20,22 * * *", "America/Los_Angeles", after)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, la)), "got %v", got)
}

func TestNext_RollsToNextDay(t *testing.T) {
	la := mustLoc(t, "America/Los_Angeles")
	after := time.Date(2024, 1, 1, 22, 30, 0, 0, la)

	got, err := NextFire("0 8,10 * * *", "America/Los_Angeles", after)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 1, 2, 8, 0, 0, 0, la)))
}

func TestNext_ExactBoundaryIsExcluded(t *testing.T) {
	// `after` equal to a fire time must return the following one.
	utc := time.UTC
	after := time.Date(2024, 3, 1, 10, 0, 0, 0, utc)

	got, err := NextFire("0 10 * * *", "UTC", after)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 2, 10, 0, 0, 0, utc)))
}

func TestNext_SubMinuteReferenceTruncates(t *testing.T) {
	utc := time.UTC
	after := time.Date(2024, 3, 1, 9, 59, 30, 0, utc)

	got, err := NextFire("0 10 * * *", "UTC", after)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, utc)))
}

func TestNext_WeekdayAndDayBothMatch(t *testing.T) {
	// 2024-06-03 is a Monday; demand day 10 AND Monday: next hit is
	// Monday June 10.
	utc := time.UTC
	after := time.Date(2024, 6, 1, 0, 0, 0, 0, utc)

	got, err := NextFire("0 12 10 * 1", "UTC", after)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 6, 10, 12, 0, 0, 0, utc)), "got %v", got)
}

func TestNext_MonthList(t *testing.T) {
	utc := time.UTC
	after := time.Date(2024, 2, 15, 0, 0, 0, 0, utc)

	got, err := NextFire("0 0 1 3,9 *", "UTC", after)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, utc)))

	got2, err := NextFire("0 0 1 3,9 *", "UTC", got)
	require.NoError(t, err)
	assert.True(t, got2.Equal(time.Date(2024, 9, 1, 0, 0, 0, 0, utc)))
}

func TestNext_SpringForwardGap(t *testing.T) {
	// US DST 2024: clocks jump 02:00 -> 03:00 on March 10 in LA.
	// A 02:30 schedule resolves to the nearest valid instant after the
	// skipped wall clock rather than disappearing.
	la := mustLoc(t, "America/Los_Angeles")
	after := time.Date(2024, 3, 10, 1, 0, 0, 0, la)

	got, err := NextFire("30 2 * * *", "America/Los_Angeles", after)
	require.NoError(t, err)
	// 02:30 does not exist on March 10; the candidate resolves to 03:30
	// PDT the same day, not to March 11.
	assert.True(t, got.Equal(time.Date(2024, 3, 10, 3, 30, 0, 0, la)), "got %v", got)
}

func TestNext_GapCandidateDoesNotReorderEarlierHours(t *testing.T) {
	// Hour list straddling the gap: the 01:45 fire still comes before
	// the gap-resolved 02:45 one.
	la := mustLoc(t, "America/Los_Angeles")
	after := time.Date(2024, 3, 10, 1, 0, 0, 0, la)

	first, err := NextFire("45 1,2 * * *", "America/Los_Angeles", after)
	require.NoError(t, err)
	assert.True(t, first.Equal(time.Date(2024, 3, 10, 1, 45, 0, 0, la)), "got %v", first)

	second, err := NextFire("45 1,2 * * *", "America/Los_Angeles", first)
	require.NoError(t, err)
	assert.True(t, second.Equal(time.Date(2024, 3, 10, 3, 45, 0, 0, la)), "got %v", second)
}

func TestNext_FallBackRepeatedHour(t *testing.T) {
	// US DST end 2024: 02:00 -> 01:00 on November 3 in LA. The 01:30
	// schedule fires once at the first valid 01:30 instant.
	la := mustLoc(t, "America/Los_Angeles")
	after := time.Date(2024, 11, 3, 0, 0, 0, 0, la)

	got, err := NextFire("30 1 * * *", "America/Los_Angeles", after)
	require.NoError(t, err)
	assert.True(t, got.After(after))
	assert.Equal(t, 1, got.In(la).Hour())
	assert.Equal(t, 30, got.In(la).Minute())
	assert.Equal(t, 3, got.In(la).Day())
}

func TestNext_UnsatisfiableReturnsZero(t *testing.T) {
	got, err := NextFire("0 0 31 2 *", "UTC", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestNextFire_UnknownTimezone(t *testing.T) {
	_, err := NextFire("* * * * *", "Mars/Olympus", time.Now())
	require.Error(t, err)
	assert.Equal(t, shared.KindValidation, shared.KindOf(err))
}

func TestNext_PureAndReentrant(t *testing.T) {
	e, err := Parse("0 12 * * *")
	require.NoError(t, err)

	after := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	first := e.Next(after, time.UTC)
	second := e.Next(after, time.UTC)
	assert.True(t, first.Equal(second), "same inputs must yield same output")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("0 8 * * *", "Europe/Berlin"))
	assert.Error(t, Validate("bogus", "Europe/Berlin"))
	assert.Error(t, Validate("0 8 * * *", "Nowhere/Null"))
}
