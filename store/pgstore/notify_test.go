package pgstore

import (
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/safewalk/store"
)

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    store.EventType
		userID  string
		hasOld  bool
	}{
		{
			name:    "insert",
			payload: `{"type":"INSERT","new":{"id":"0b6c","user_id":"A","latitude":1.5,"longitude":2.5,"last_updated":"2025-07-04T12:00:00.123456+00:00","user_email":"a@x.io"},"old":null}`,
			want:    store.EventInsert,
			userID:  "A",
		},
		{
			name:    "update",
			payload: `{"type":"UPDATE","new":{"id":"0b6c","user_id":"A","latitude":2,"longitude":2,"last_updated":"2025-07-04T12:00:01+00:00"},"old":{"id":"0b6c","user_id":"A","latitude":1.5,"longitude":2.5,"last_updated":"2025-07-04T12:00:00+00:00"}}`,
			want:    store.EventUpdate,
			userID:  "A",
			hasOld:  true,
		},
		{
			name:    "delete",
			payload: `{"type":"DELETE","new":null,"old":{"id":"0b6c","user_id":"A","latitude":2,"longitude":2,"last_updated":"2025-07-04T12:00:01+00:00"}}`,
			want:    store.EventDelete,
			userID:  "A",
			hasOld:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := decodeNotification(tc.payload)
			if err != nil {
				t.Fatalf("decodeNotification: %v", err)
			}
			if ev.Type != tc.want || ev.Record.UserID != tc.userID {
				t.Fatalf("event = %+v", ev)
			}
			if (ev.Old != nil) != tc.hasOld {
				t.Fatalf("old row presence = %v, want %v", ev.Old != nil, tc.hasOld)
			}
			if ev.Record.ID != "0b6c" {
				t.Fatalf("row id = %q", ev.Record.ID)
			}
		})
	}
}

func TestDecodeNotificationTimestamps(t *testing.T) {
	ev, err := decodeNotification(`{"type":"INSERT","new":{"id":"x","user_id":"A","latitude":0,"longitude":0,"last_updated":"2025-07-04T14:00:00+02:00"}}`)
	if err != nil {
		t.Fatalf("decodeNotification: %v", err)
	}
	want := time.Date(2025, time.July, 4, 12, 0, 0, 0, time.UTC)
	if !ev.Record.LastUpdated.Equal(want) {
		t.Fatalf("LastUpdated = %v, want %v", ev.Record.LastUpdated, want)
	}
}

func TestDecodeNotificationErrors(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"type":"TRUNCATE"}`,
		`{"type":"INSERT","new":null}`,
		`{"type":"DELETE","new":null,"old":null}`,
	} {
		if _, err := decodeNotification(payload); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
}

func TestTriggerTargetsChangeChannel(t *testing.T) {
	if !strings.Contains(notifyTriggerSQL, "pg_notify('"+ChangeChannel+"'") {
		t.Fatalf("trigger does not notify %s", ChangeChannel)
	}
}

func TestRowConversion(t *testing.T) {
	score := 50.0
	ts := time.Date(2025, time.July, 4, 12, 0, 0, 0, time.UTC)
	r := reportRow{ID: "r", Type: "pothole", AccuracyScore: &score, CreatedAt: ts}
	back := reportRowFrom(r.report())
	if back.ID != r.ID || back.Type != r.Type || back.AccuracyScore != &score || !back.CreatedAt.Equal(ts) {
		t.Fatalf("report row conversion lost data: %+v", back)
	}

	p := presenceRow{ID: "p", UserID: "A", Latitude: 1, Longitude: 2, LastUpdated: ts}
	if presenceRowFrom(p.record()) != p {
		t.Fatalf("presence row conversion lost data")
	}
}

func TestDecodeMessage(t *testing.T) {
	m, err := decodeMessage(`{"id":"m1","sender_id":"A","receiver_id":"B","content":"hi","created_at":"2025-07-04T14:00:00.5+02:00"}`)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if m.ID != "m1" || !m.Between("B", "A") || m.Content != "hi" {
		t.Fatalf("decoded %+v", m)
	}
	want := time.Date(2025, time.July, 4, 12, 0, 0, 500_000_000, time.UTC)
	if !m.CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt = %v, want %v", m.CreatedAt, want)
	}

	for _, payload := range []string{`nope`, `{"id":"m1","sender_id":"A"}`} {
		if _, err := decodeMessage(payload); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
	if !strings.Contains(notifyTriggerSQL, "pg_notify('"+MessageChannel+"'") {
		t.Fatalf("trigger does not notify %s", MessageChannel)
	}
}
