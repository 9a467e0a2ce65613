package redisstore

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
)

const (
	defaultPrefix = "safewalk"
	// ChangeChannel carries JSON encoded store.Event values.
	ChangeChannel = "active_users"
	// MessageChannel carries JSON encoded model.Message values.
	MessageChannel = "messages"
)

type keys struct{ prefix string }

func (k keys) presence(userID string) string { return k.prefix + ":presence:" + userID }
func (k keys) presencePattern() string       { return k.prefix + ":presence:*" }
func (k keys) reports() string               { return k.prefix + ":reports" }
func (k keys) channel() string               { return k.prefix + ":" + ChangeChannel }
func (k keys) messageChannel() string        { return k.prefix + ":" + MessageChannel }

// conversation keys the list of messages between a and b. The pair is
// ordered so both directions share one list.
func (k keys) conversation(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return k.prefix + ":chat:" + a + ":" + b
}

func encodeRecord(rec model.PresenceRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode presence %q: %w", rec.UserID, err)
	}
	return b, nil
}

func decodeRecord(b []byte) (model.PresenceRecord, error) {
	var rec model.PresenceRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return model.PresenceRecord{}, fmt.Errorf("decode presence: %w", err)
	}
	return rec, nil
}

func encodeEvent(ev store.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return b, nil
}

func decodeEvent(payload string) (store.Event, error) {
	var ev store.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return store.Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case store.EventInsert, store.EventUpdate, store.EventDelete:
	default:
		return store.Event{}, fmt.Errorf("decode event: unknown type %q", ev.Type)
	}
	if ev.Record.UserID == "" && (ev.Old == nil || ev.Old.UserID == "") {
		return store.Event{}, fmt.Errorf("decode %s event: no user id", ev.Type)
	}
	return ev, nil
}

func decodeReports(values map[string]string) ([]model.HazardReport, error) {
	out := make([]model.HazardReport, 0, len(values))
	for id, raw := range values {
		var r model.HazardReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode report %q: %w", id, err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func decodeMessages(raw []string) ([]model.Message, error) {
	out := make([]model.Message, 0, len(raw))
	for i, v := range raw {
		m, err := decodeMessage(v)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, m)
	}
	store.SortConversation(out)
	return out, nil
}

func decodeMessage(payload string) (model.Message, error) {
	var m model.Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.SenderID == "" || m.ReceiverID == "" {
		return model.Message{}, fmt.Errorf("decode message %q: missing participants", m.ID)
	}
	return m, nil
}
