package redisstore

import (
	"testing"
	"time"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
)

func TestKeysSharePrefix(t *testing.T) {
	k := keys{prefix: "test"}
	if got := k.presence("A"); got != "test:presence:A" {
		t.Fatalf("presence key = %q", got)
	}
	if got := k.presencePattern(); got != "test:presence:*" {
		t.Fatalf("pattern = %q", got)
	}
	if got := k.channel(); got != "test:active_users" {
		t.Fatalf("channel = %q", got)
	}
}

func TestEventRoundTrip(t *testing.T) {
	ts := time.Date(2025, time.July, 4, 12, 0, 0, 0, time.UTC)
	old := model.PresenceRecord{ID: "r1", UserID: "A", Latitude: 1, LastUpdated: ts}
	ev := store.Event{Type: store.EventDelete, Record: old, Old: &old}

	b, err := encodeEvent(ev)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	got, err := decodeEvent(string(b))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if got.Type != store.EventDelete || got.Old == nil || got.Old.ID != "r1" || !got.Record.LastUpdated.Equal(ts) {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	for _, payload := range []string{
		`{`,
		`{"type":"TRUNCATE","new":{"user_id":"A"}}`,
		`{"type":"INSERT","new":{}}`,
	} {
		if _, err := decodeEvent(payload); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
}

func TestDecodeReportsNewestFirst(t *testing.T) {
	values := map[string]string{
		"a": `{"id":"a","type":"pothole","created_at":"2025-07-04T10:00:00Z"}`,
		"b": `{"id":"b","type":"flooding","created_at":"2025-07-04T12:00:00Z"}`,
		"c": `{"id":"c","type":"other","created_at":"2025-07-04T11:00:00Z"}`,
	}
	got, err := decodeReports(values)
	if err != nil {
		t.Fatalf("decodeReports: %v", err)
	}
	var ids string
	for _, r := range got {
		ids += r.ID
	}
	if ids != "bca" {
		t.Fatalf("order = %q, want bca", ids)
	}

	if _, err := decodeReports(map[string]string{"x": "nope"}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	k := keys{prefix: "sw"}
	if k.conversation("alice", "bob") != k.conversation("bob", "alice") {
		t.Fatalf("conversation keys differ by direction")
	}
	if got := k.conversation("bob", "alice"); got != "sw:chat:alice:bob" {
		t.Fatalf("conversation key = %q", got)
	}
}

func TestDecodeMessagesOldestFirst(t *testing.T) {
	raw := []string{
		`{"id":"2","sender_id":"B","receiver_id":"A","content":"late","created_at":"2025-07-04T10:05:00Z"}`,
		`{"id":"1","sender_id":"A","receiver_id":"B","content":"early","created_at":"2025-07-04T10:00:00Z"}`,
	}
	got, err := decodeMessages(raw)
	if err != nil {
		t.Fatalf("decodeMessages: %v", err)
	}
	if len(got) != 2 || got[0].Content != "early" || got[1].Content != "late" {
		t.Fatalf("messages = %+v", got)
	}
	if _, err := decodeMessages([]string{`{"id":"3","content":"orphan"}`}); err == nil {
		t.Fatalf("expected error for message without participants")
	}
}
