package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/motion"
	"github.com/signalsfoundry/safewalk/timectrl"
)

func TestFeedPermissionGate(t *testing.T) {
	f := NewFeed()
	f.SetPermission(false)
	if _, err := f.Watch(context.Background(), WatchOptions{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Watch = %v, want ErrPermissionDenied", err)
	}

	f.SetPermission(true)
	f.SetServicesEnabled(false)
	if _, err := f.Watch(context.Background(), WatchOptions{}); !errors.Is(err, ErrServicesDisabled) {
		t.Fatalf("Watch = %v, want ErrServicesDisabled", err)
	}
	if granted, enabled := f.State(); !granted || enabled {
		t.Fatalf("State() = (%v, %v), want (true, false)", granted, enabled)
	}
}

func TestFeedDeliversAndCloses(t *testing.T) {
	f := NewFeed()
	if f.Publish(model.PositionSample{Latitude: 1}) {
		t.Fatalf("Publish without a watch should drop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.Watch(ctx, WatchOptions{})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if _, err := f.Watch(ctx, WatchOptions{}); !errors.Is(err, ErrAlreadyWatching) {
		t.Fatalf("second Watch = %v, want ErrAlreadyWatching", err)
	}

	if !f.Publish(model.PositionSample{Latitude: 1, Longitude: 2}) {
		t.Fatalf("Publish should deliver")
	}
	if got := <-ch; got.Latitude != 1 || got.Longitude != 2 {
		t.Fatalf("received %+v", got)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch channel not closed")
	}
	for f.Watching() {
		time.Sleep(time.Millisecond)
	}
	if _, err := f.Watch(context.Background(), WatchOptions{}); err != nil {
		t.Fatalf("re-Watch after cancel: %v", err)
	}
}

func TestFeedDistanceFilterAndBackpressure(t *testing.T) {
	f := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := f.Watch(ctx, WatchOptions{DistanceFilter: 5}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if !f.Publish(model.PositionSample{Latitude: 10, Longitude: 10}) {
		t.Fatalf("first sample should be delivered")
	}
	if f.Publish(model.PositionSample{Latitude: 10.00001, Longitude: 10}) {
		t.Fatalf("sample ~1m away should be filtered")
	}

	delivered := 1
	for i := 1; i <= 40; i++ {
		if f.Publish(model.PositionSample{Latitude: 10 + float64(i)*0.001, Longitude: 10}) {
			delivered++
		}
	}
	if delivered != 16 {
		t.Fatalf("delivered %d samples into a 16-slot buffer", delivered)
	}
	if f.Dropped() == 0 {
		t.Fatalf("expected dropped samples to be counted")
	}
}

func TestSimulatorWalksAtConfiguredSpeed(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(0, 0))
	start := model.LatLng{Latitude: 40.7128, Longitude: -74.0060}
	sim := NewSimulator(SimulatorConfig{Start: start, SpeedMPS: 2, Seed: 42}, clock)

	prev := start
	for i := 0; i < 10; i++ {
		s := sim.Next(time.Second)
		d := motion.HaversineMeters(prev, s.Position())
		if d < 1.9 || d > 2.1 {
			t.Fatalf("step %d moved %.3fm, want ~2m", i, d)
		}
		if !s.HasHeading || s.Heading < 0 || s.Heading >= 360 {
			t.Fatalf("step %d heading = %v", i, s.Heading)
		}
		prev = s.Position()
	}
}

func TestSimulatorIsDeterministicPerSeed(t *testing.T) {
	a := NewSimulator(SimulatorConfig{Seed: 9}, timectrl.NewManualClock(time.Unix(0, 0)))
	b := NewSimulator(SimulatorConfig{Seed: 9}, timectrl.NewManualClock(time.Unix(0, 0)))
	for i := 0; i < 5; i++ {
		if a.Next(time.Second) != b.Next(time.Second) {
			t.Fatalf("same seed produced different walks at step %d", i)
		}
	}
}

func TestSimulatorWatchStopsOnCancel(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Seed: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := sim.Watch(ctx, WatchOptions{Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("no sample produced")
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("watch channel not closed after cancel")
		}
	}
}
