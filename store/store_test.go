package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/safewalk/model"
)

func TestValidateRecord(t *testing.T) {
	cases := []struct {
		name string
		rec  model.PresenceRecord
		ok   bool
	}{
		{"valid", model.PresenceRecord{UserID: "a", Latitude: 45, Longitude: -120}, true},
		{"missing user", model.PresenceRecord{Latitude: 1, Longitude: 1}, false},
		{"latitude", model.PresenceRecord{UserID: "a", Latitude: 91}, false},
		{"longitude", model.PresenceRecord{UserID: "a", Longitude: -181}, false},
		{"nan", model.PresenceRecord{UserID: "a", Latitude: math.NaN()}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateRecord(c.rec)
			if c.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !c.ok && !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := NewBroadcaster[Event](8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i, user := range []string{"a", "b", "c"} {
		typ := EventInsert
		if i == 2 {
			typ = EventDelete
		}
		b.Publish(Event{Type: typ, Record: model.PresenceRecord{UserID: user}})
	}

	for _, want := range []string{"a", "b", "c"} {
		ev := <-ch
		if ev.Record.UserID != want {
			t.Fatalf("got event for %q, want %q", ev.Record.UserID, want)
		}
	}
}

func TestBroadcasterClosesOnContextDone(t *testing.T) {
	b := NewBroadcaster[Event](1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}

	// A publish after removal must not block.
	b.Publish(Event{Type: EventInsert})
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster[Event](1)
	ch, _ := b.Subscribe(context.Background())
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if _, err := b.Subscribe(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
	}
	b.Close()
}
