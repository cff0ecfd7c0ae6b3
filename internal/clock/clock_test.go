package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	c := NewFakeClock(start)
	if c.Now().Location() != time.UTC {
		t.Fatalf("expected UTC clock")
	}
	c.Advance(90 * time.Minute)
	if want := start.Add(90 * time.Minute).UTC(); !c.Now().Equal(want) {
		t.Fatalf("expected %s, got %s", want, c.Now())
	}
}

func TestSystemClockIsUTC(t *testing.T) {
	if New().Now().Location() != time.UTC {
		t.Fatalf("expected UTC")
	}
}
