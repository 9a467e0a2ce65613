package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/timectrl"
)

func TestUpsertKeepsOneRecordPerUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Upsert(ctx, model.PresenceRecord{UserID: "A", Latitude: 1, Longitude: 1})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	second, err := s.Upsert(ctx, model.PresenceRecord{UserID: "A", Latitude: 2, Longitude: 2})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("row id changed across upserts: %q vs %q", first.ID, second.ID)
	}

	list, _ := s.List(ctx)
	if len(list) != 1 {
		t.Fatalf("List returned %d records, want 1", len(list))
	}
	if list[0].Latitude != 2 || list[0].Longitude != 2 {
		t.Fatalf("stored record = %+v, want lat=2 lon=2", list[0])
	}
}

func TestUpsertStampsLastUpdated(t *testing.T) {
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	s := New(WithClock(timectrl.NewManualClock(now)))

	rec, err := s.Upsert(context.Background(), model.PresenceRecord{UserID: "A"})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if !rec.LastUpdated.Equal(now) {
		t.Fatalf("LastUpdated = %v, want %v", rec.LastUpdated, now)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := New()
	_, err := s.Upsert(context.Background(), model.PresenceRecord{Latitude: 1})
	if !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestDeleteByUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.DeleteByUser(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Upsert(ctx, model.PresenceRecord{UserID: "A"}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := s.DeleteByUser(ctx, "A"); err != nil {
		t.Fatalf("DeleteByUser error: %v", err)
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Fatalf("expected empty table, got %+v", list)
	}
}

func TestSubscribeReceivesChangesInOrder(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	inserted, _ := s.Upsert(ctx, model.PresenceRecord{UserID: "A", Latitude: 1})
	_, _ = s.Upsert(ctx, model.PresenceRecord{UserID: "A", Latitude: 2})
	_ = s.DeleteByUser(ctx, "A")

	want := []store.EventType{store.EventInsert, store.EventUpdate, store.EventDelete}
	for i, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ {
				t.Fatalf("event %d type = %s, want %s", i, ev.Type, typ)
			}
			if ev.Record.ID != inserted.ID {
				t.Fatalf("event %d row id = %q, want %q", i, ev.Record.ID, inserted.ID)
			}
			if typ == store.EventUpdate && (ev.Old == nil || ev.Old.Latitude != 1) {
				t.Fatalf("update event missing old row: %+v", ev.Old)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	s := New()
	events, _ := s.Subscribe(context.Background())
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatalf("expected closed feed")
	}
}

func TestReports(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := range 3 {
		r := model.HazardReport{ID: fmt.Sprintf("r-%d", i), Type: model.HazardPothole}
		if _, err := s.InsertReport(ctx, r); err != nil {
			t.Fatalf("InsertReport error: %v", err)
		}
	}
	if _, err := s.InsertReport(ctx, model.HazardReport{ID: "r-0", Type: model.HazardOther}); !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("expected duplicate insert to fail, got %v", err)
	}

	list, _ := s.ListReports(ctx)
	if len(list) != 3 || list[0].ID != "r-2" {
		t.Fatalf("ListReports = %+v, want newest first", list)
	}

	got, err := s.GetReport(ctx, "r-1")
	if err != nil || got.Type != model.HazardPothole {
		t.Fatalf("GetReport = %+v, %v", got, err)
	}
	if _, err := s.GetReport(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Upsert(ctx, model.PresenceRecord{UserID: fmt.Sprintf("u-%d", i%5), Latitude: float64(i)})
		}(i)
	}
	wg.Wait()

	list, _ := s.List(ctx)
	if len(list) != 5 {
		t.Fatalf("List returned %d records, want 5", len(list))
	}
}

func TestConversationListAndSubscribe(t *testing.T) {
	clock := timectrl.NewManualClock(time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC))
	s := New(WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := s.SubscribeConversation(ctx, "B", "A")
	if err != nil {
		t.Fatalf("SubscribeConversation: %v", err)
	}

	send := func(from, to, text string) {
		t.Helper()
		clock.Advance(time.Second)
		if _, err := s.InsertMessage(ctx, model.Message{SenderID: from, ReceiverID: to, Content: text}); err != nil {
			t.Fatalf("InsertMessage(%s->%s): %v", from, to, err)
		}
	}
	send("A", "B", "hi")
	send("C", "A", "elsewhere")
	send("B", "A", "hello")

	msgs, err := s.ListConversation(ctx, "A", "B")
	if err != nil {
		t.Fatalf("ListConversation: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello" {
		t.Fatalf("conversation = %+v, want hi then hello", msgs)
	}
	if msgs[0].ID == "" || msgs[0].CreatedAt.IsZero() {
		t.Fatalf("message not stamped: %+v", msgs[0])
	}

	for _, want := range []string{"hi", "hello"} {
		select {
		case m := <-feed:
			if m.Content != want {
				t.Fatalf("feed delivered %q, want %q", m.Content, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no message %q on feed", want)
		}
	}
}

func TestInsertMessageRejectsInvalid(t *testing.T) {
	s := New()
	cases := []model.Message{
		{SenderID: "A", ReceiverID: "A", Content: "self"},
		{SenderID: "A", ReceiverID: "B", Content: "   "},
		{SenderID: "", ReceiverID: "B", Content: "x"},
	}
	for _, m := range cases {
		if _, err := s.InsertMessage(context.Background(), m); !errors.Is(err, store.ErrInvalidRecord) {
			t.Fatalf("InsertMessage(%+v) = %v, want ErrInvalidRecord", m, err)
		}
	}
}
