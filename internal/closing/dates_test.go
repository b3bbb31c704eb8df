package closing

import (
	"errors"
	"testing"
	"time"
)

func TestExpandDatesInclusive(t *testing.T) {
	units, err := ExpandDates(day(30), time.Date(2024, time.February, 2, 15, 4, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"2024-01-30", "2024-01-31", "2024-02-01", "2024-02-02"}
	if len(units) != len(want) {
		t.Fatalf("expected %d units, got %d", len(want), len(units))
	}
	for i, u := range units {
		if FormatDate(u.ProcessingDate) != want[i] {
			t.Fatalf("unit %d: expected %s, got %s", i, want[i], FormatDate(u.ProcessingDate))
		}
		if u.Status != StatusQueued {
			t.Fatalf("unit %d: expected Queued, got %s", i, u.Status)
		}
		if u.ClosingBalance != nil {
			t.Fatalf("unit %d: balance should be empty", i)
		}
	}
}

func TestExpandDatesSingleDay(t *testing.T) {
	units, err := ExpandDates(day(5), day(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(units) != 1 || !units[0].ProcessingDate.Equal(day(5)) {
		t.Fatalf("expected single unit for 2024-01-05, got %+v", units)
	}
}

func TestExpandDatesLeapYear(t *testing.T) {
	units, err := ExpandDates(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(units) != 366 {
		t.Fatalf("expected 366 units, got %d", len(units))
	}
}

func TestExpandDatesInvalidRange(t *testing.T) {
	_, err := ExpandDates(day(10), day(9))
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	var rangeErr *InvalidRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected InvalidRangeError, got %T", err)
	}
	if !rangeErr.Start.Equal(day(10)) || !rangeErr.End.Equal(day(9)) {
		t.Fatalf("unexpected bounds %s..%s", rangeErr.Start, rangeErr.End)
	}
}

func TestExpandDatesIdempotent(t *testing.T) {
	first, _ := ExpandDates(day(1), day(7))
	second, _ := ExpandDates(day(1), day(7))
	if len(first) != len(second) {
		t.Fatalf("expected identical expansions")
	}
	for i := range first {
		if !first[i].ProcessingDate.Equal(second[i].ProcessingDate) {
			t.Fatalf("unit %d differs", i)
		}
	}
}
