package recurrence

import (
	"errors"
	"testing"
	"time"
)

func mustTOD(t *testing.T, s string) TimeOfDay {
	t.Helper()
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("ParseTimeOfDay(%q): %v", s, err)
	}
	return tod
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in     string
		hour   int
		minute int
		ok     bool
	}{
		{"00:00", 0, 0, true},
		{"09:05", 9, 5, true},
		{"23:59", 23, 59, true},
		{"24:00", 0, 0, false},
		{"12:60", 0, 0, false},
		{"12", 0, 0, false},
		{"ab:cd", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		tod, err := ParseTimeOfDay(tt.in)
		if tt.ok {
			if err != nil {
				t.Errorf("ParseTimeOfDay(%q) error: %v", tt.in, err)
				continue
			}
			if tod.Hour != tt.hour || tod.Minute != tt.minute {
				t.Errorf("ParseTimeOfDay(%q) = %v, want %02d:%02d", tt.in, tod, tt.hour, tt.minute)
			}
			continue
		}
		if err == nil {
			t.Errorf("ParseTimeOfDay(%q) expected error", tt.in)
		} else if !errors.Is(err, ErrInvalidTime) {
			t.Errorf("ParseTimeOfDay(%q) error = %v, want ErrInvalidTime", tt.in, err)
		}
	}
}

func TestRuleValidate(t *testing.T) {
	valid := []Rule{
		{Kind: Daily},
		{Kind: Weekly, Day: 0},
		{Kind: Weekly, Day: 6},
		{Kind: Monthly, Day: 1},
		{Kind: Monthly, Day: 31},
	}
	for _, r := range valid {
		if err := r.Validate(); err != nil {
			t.Errorf("Validate(%+v) error: %v", r, err)
		}
	}

	invalid := []Rule{
		{Kind: Weekly, Day: -1},
		{Kind: Weekly, Day: 7},
		{Kind: Monthly, Day: 0},
		{Kind: Monthly, Day: 32},
	}
	for _, r := range invalid {
		if err := r.Validate(); !errors.Is(err, ErrInvalidDay) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidDay", r, err)
		}
	}
}

func TestNextDaily(t *testing.T) {
	tod := mustTOD(t, "18:00")

	// Before today's occurrence: fires today.
	after := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	got := Next(Rule{Kind: Daily}, tod, time.UTC, after)
	want := time.Date(2024, 3, 4, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Exactly at the occurrence: strictly after means tomorrow.
	got = Next(Rule{Kind: Daily}, tod, time.UTC, want)
	if !got.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("Next at boundary = %v, want %v", got, want.AddDate(0, 0, 1))
	}
}

func TestNextWeeklyTuesdayFromMonday(t *testing.T) {
	// Monday 2024-03-04; weekly day=1 is Tuesday.
	after := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	got := Next(Rule{Kind: Weekly, Day: 1}, mustTOD(t, "18:00"), time.UTC, after)
	want := time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want Tuesday %v", got, want)
	}
	if got.Weekday() != time.Tuesday {
		t.Fatalf("Next weekday = %v, want Tuesday", got.Weekday())
	}
}

func TestNextWeeklySameDayWraps(t *testing.T) {
	// Tuesday 19:00 looking for Tuesday 18:00: next week.
	after := time.Date(2024, 3, 5, 19, 0, 0, 0, time.UTC)
	got := Next(Rule{Kind: Weekly, Day: 1}, mustTOD(t, "18:00"), time.UTC, after)
	want := time.Date(2024, 3, 12, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextWeeklySunday(t *testing.T) {
	// Day 6 is Sunday in the 0=Monday convention.
	after := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC) // Monday
	got := Next(Rule{Kind: Weekly, Day: 6}, mustTOD(t, "08:00"), time.UTC, after)
	if got.Weekday() != time.Sunday {
		t.Fatalf("Next weekday = %v, want Sunday", got.Weekday())
	}
	if !got.Equal(time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next = %v, want 2024-03-10 08:00", got)
	}
}

func TestNextMonthlyClampsShortMonths(t *testing.T) {
	tod := mustTOD(t, "10:00")
	rule := Rule{Kind: Monthly, Day: 31}

	// April has 30 days: clamp to the 30th.
	after := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	got := Next(rule, tod, time.UTC, after)
	want := time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next in April = %v, want %v", got, want)
	}

	// Leap-year February clamps to the 29th.
	after = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	got = Next(rule, tod, time.UTC, after)
	if !got.Equal(time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next in Feb 2024 = %v, want the 29th", got)
	}

	// Non-leap February clamps to the 28th.
	after = time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	got = Next(rule, tod, time.UTC, after)
	if !got.Equal(time.Date(2023, 2, 28, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next in Feb 2023 = %v, want the 28th", got)
	}

	// After the clamped occurrence the rule returns to day 31 in longer months.
	after = time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)
	got = Next(rule, tod, time.UTC, after)
	if !got.Equal(time.Date(2024, 5, 31, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next after clamp = %v, want May 31", got)
	}
}

func TestNextMonthlyYearWrap(t *testing.T) {
	after := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	got := Next(Rule{Kind: Monthly, Day: 5}, mustTOD(t, "07:30"), time.UTC, after)
	want := time.Date(2025, 1, 5, 7, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

// TestNextStrictlyAdvances walks every rule shape forward through repeated
// application and checks time never stalls or goes backward.
func TestNextStrictlyAdvances(t *testing.T) {
	rules := []Rule{
		{Kind: Daily},
		{Kind: Weekly, Day: 0},
		{Kind: Weekly, Day: 3},
		{Kind: Weekly, Day: 6},
		{Kind: Monthly, Day: 1},
		{Kind: Monthly, Day: 15},
		{Kind: Monthly, Day: 29},
		{Kind: Monthly, Day: 31},
	}
	tods := []TimeOfDay{{0, 0}, {12, 30}, {23, 59}}
	starts := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 28, 23, 59, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC),
	}

	for _, r := range rules {
		for _, tod := range tods {
			for _, start := range starts {
				cur := start
				for i := 0; i < 50; i++ {
					next := Next(r, tod, time.UTC, cur)
					if !next.After(cur) {
						t.Fatalf("rule %+v tod %v: Next(%v) = %v does not advance", r, tod, cur, next)
					}
					cur = next
				}
			}
		}
	}
}

func TestNextHonorsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*60*60)
	// 2024-03-04 23:30 UTC is already 06:30 on the 5th in UTC+7.
	after := time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC)
	got := Next(Rule{Kind: Daily}, mustTOD(t, "08:00"), loc, after)
	want := time.Date(2024, 3, 5, 8, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}
