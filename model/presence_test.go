package model

import (
	"math"
	"testing"
	"time"
)

func TestValidHeading(t *testing.T) {
	cases := []struct {
		name   string
		sample PositionSample
		want   float64
		ok     bool
	}{
		{"absent", PositionSample{Heading: 90}, 0, false},
		{"present", PositionSample{Heading: 90, HasHeading: true}, 90, true},
		{"nan", PositionSample{Heading: math.NaN(), HasHeading: true}, 0, false},
		{"negative", PositionSample{Heading: -1, HasHeading: true}, 0, false},
		{"above range", PositionSample{Heading: 361, HasHeading: true}, 0, false},
		{"full turn", PositionSample{Heading: 360, HasHeading: true}, 360, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := c.sample.ValidHeading()
			if ok != c.ok || got != c.want {
				t.Fatalf("ValidHeading() = (%v, %v), want (%v, %v)", got, ok, c.want, c.ok)
			}
		})
	}
}

func TestPresenceRecordStale(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	fresh := PresenceRecord{LastUpdated: now.Add(-4 * time.Minute)}
	old := PresenceRecord{LastUpdated: now.Add(-6 * time.Minute)}

	if fresh.Stale(now, 5*time.Minute) {
		t.Fatalf("4 minute old record should not be stale")
	}
	if !old.Stale(now, 5*time.Minute) {
		t.Fatalf("6 minute old record should be stale")
	}
	if old.Stale(now, 0) {
		t.Fatalf("a zero window disables expiry")
	}
}
