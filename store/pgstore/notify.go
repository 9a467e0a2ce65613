package pgstore

import (
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
)

const (
	// ChangeChannel is the NOTIFY channel fed by the active_users trigger.
	ChangeChannel = "active_users_changes"
	// MessageChannel carries every row inserted into messages.
	MessageChannel = "messages_inserted"
)

// notifyTriggerSQL installs a row trigger that publishes every change to
// active_users as {"type": TG_OP, "new": row, "old": row}.
const notifyTriggerSQL = `
CREATE OR REPLACE FUNCTION notify_active_users_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
		'type', TG_OP,
		'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS active_users_notify ON active_users;
CREATE TRIGGER active_users_notify
	AFTER INSERT OR UPDATE OR DELETE ON active_users
	FOR EACH ROW EXECUTE FUNCTION notify_active_users_change();

CREATE OR REPLACE FUNCTION notify_message_insert() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + MessageChannel + `', row_to_json(NEW)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS messages_notify ON messages;
CREATE TRIGGER messages_notify
	AFTER INSERT ON messages
	FOR EACH ROW EXECUTE FUNCTION notify_message_insert();
`

type notification struct {
	Type string                `json:"type"`
	New  *model.PresenceRecord `json:"new"`
	Old  *model.PresenceRecord `json:"old"`
}

// decodeNotification parses a trigger payload. Deletes carry the removed
// row as both Record and Old.
func decodeNotification(payload string) (store.Event, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return store.Event{}, fmt.Errorf("decode %s payload: %w", ChangeChannel, err)
	}

	ev := store.Event{Type: store.EventType(n.Type), Old: n.Old}
	switch ev.Type {
	case store.EventInsert, store.EventUpdate:
		if n.New == nil {
			return store.Event{}, fmt.Errorf("%s payload: %s without new row", ChangeChannel, n.Type)
		}
		ev.Record = *n.New
	case store.EventDelete:
		if n.Old == nil {
			return store.Event{}, fmt.Errorf("%s payload: DELETE without old row", ChangeChannel)
		}
		ev.Record = *n.Old
	default:
		return store.Event{}, fmt.Errorf("%s payload: unknown operation %q", ChangeChannel, n.Type)
	}
	return ev, nil
}

// decodeMessage parses a messages trigger payload.
func decodeMessage(payload string) (model.Message, error) {
	var m model.Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return model.Message{}, fmt.Errorf("decode %s payload: %w", MessageChannel, err)
	}
	if m.ID == "" || m.SenderID == "" || m.ReceiverID == "" {
		return model.Message{}, fmt.Errorf("%s payload: missing id or participants", MessageChannel)
	}
	return m, nil
}
