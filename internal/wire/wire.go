// Package wire holds the gRPC method names of the backend services and the
// conversions between model types and protobuf well-known Struct messages.
package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
)

const (
	PresenceServiceName = "safewalk.backend.v1.PresenceService"
	ReportServiceName   = "safewalk.backend.v1.ReportService"
	MessageServiceName  = "safewalk.backend.v1.MessageService"

	PresenceUpsert       = "/" + PresenceServiceName + "/Upsert"
	PresenceDeleteByUser = "/" + PresenceServiceName + "/DeleteByUser"
	PresenceList         = "/" + PresenceServiceName + "/List"
	PresenceWatch        = "/" + PresenceServiceName + "/Watch"

	ReportInsert = "/" + ReportServiceName + "/Insert"
	ReportList   = "/" + ReportServiceName + "/List"
	ReportGet    = "/" + ReportServiceName + "/Get"

	MessageSend  = "/" + MessageServiceName + "/Send"
	MessageList  = "/" + MessageServiceName + "/List"
	MessageWatch = "/" + MessageServiceName + "/Watch"
)

// WatchReadyHeader is sent as stream header metadata once the server-side
// subscription is in place. Clients wait for it before fetching so no
// change can fall between the fetch and the feed.
const WatchReadyHeader = "x-watch-ready"

// ErrMalformed is returned when a message is missing required fields or
// carries the wrong value types.
var ErrMalformed = errors.New("wire: malformed message")

// RecordToStruct encodes a presence record.
func RecordToStruct(rec model.PresenceRecord) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":           structpb.NewStringValue(rec.ID),
		"user_id":      structpb.NewStringValue(rec.UserID),
		"latitude":     structpb.NewNumberValue(rec.Latitude),
		"longitude":    structpb.NewNumberValue(rec.Longitude),
		"last_updated": structpb.NewStringValue(formatTime(rec.LastUpdated)),
		"user_email":   structpb.NewStringValue(rec.UserEmail),
	}}
}

// StructToRecord decodes a presence record.
func StructToRecord(s *structpb.Struct) (model.PresenceRecord, error) {
	f := fields{s: s}
	rec := model.PresenceRecord{
		ID:        f.str("id"),
		UserID:    f.str("user_id"),
		Latitude:  f.num("latitude"),
		Longitude: f.num("longitude"),
		UserEmail: f.str("user_email"),
	}
	rec.LastUpdated = f.time("last_updated")
	if f.err != nil {
		return model.PresenceRecord{}, f.err
	}
	return rec, nil
}

// EventToStruct encodes a change event as {type, new, old}.
func EventToStruct(ev store.Event) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(string(ev.Type)),
		"new":  structpb.NewStructValue(RecordToStruct(ev.Record)),
	}}
	if ev.Old != nil {
		out.Fields["old"] = structpb.NewStructValue(RecordToStruct(*ev.Old))
	}
	return out
}

// StructToEvent decodes a change event.
func StructToEvent(s *structpb.Struct) (store.Event, error) {
	f := fields{s: s}
	ev := store.Event{Type: store.EventType(f.str("type"))}
	if f.err != nil {
		return store.Event{}, f.err
	}
	switch ev.Type {
	case store.EventInsert, store.EventUpdate, store.EventDelete:
	default:
		return store.Event{}, fmt.Errorf("%w: unknown event type %q", ErrMalformed, ev.Type)
	}

	if v := s.GetFields()["new"].GetStructValue(); v != nil {
		rec, err := StructToRecord(v)
		if err != nil {
			return store.Event{}, err
		}
		ev.Record = rec
	}
	if v := s.GetFields()["old"].GetStructValue(); v != nil {
		old, err := StructToRecord(v)
		if err != nil {
			return store.Event{}, err
		}
		ev.Old = &old
	}
	return ev, nil
}

// RecordsToList encodes a slice of records.
func RecordsToList(recs []model.PresenceRecord) *structpb.ListValue {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(recs))}
	for _, rec := range recs {
		out.Values = append(out.Values, structpb.NewStructValue(RecordToStruct(rec)))
	}
	return out
}

// ListToRecords decodes a list of records.
func ListToRecords(l *structpb.ListValue) ([]model.PresenceRecord, error) {
	out := make([]model.PresenceRecord, 0, len(l.GetValues()))
	for i, v := range l.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("%w: list element %d is not an object", ErrMalformed, i)
		}
		rec, err := StructToRecord(s)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReportToStruct encodes a hazard report. Optional fields are omitted when
// empty.
func ReportToStruct(r model.HazardReport) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":          structpb.NewStringValue(r.ID),
		"type":        structpb.NewStringValue(string(r.Type)),
		"latitude":    structpb.NewNumberValue(r.Latitude),
		"longitude":   structpb.NewNumberValue(r.Longitude),
		"description": structpb.NewStringValue(r.Description),
		"reporter_id": structpb.NewStringValue(r.ReporterID),
		"created_at":  structpb.NewStringValue(formatTime(r.CreatedAt)),
	}}
	if r.ImageURL != "" {
		out.Fields["image_url"] = structpb.NewStringValue(r.ImageURL)
	}
	if r.AccuracyScore != nil {
		out.Fields["accuracy_score"] = structpb.NewNumberValue(*r.AccuracyScore)
	}
	if r.AIAnalysis != "" {
		out.Fields["ai_analysis"] = structpb.NewStringValue(r.AIAnalysis)
	}
	return out
}

// StructToReport decodes a hazard report.
func StructToReport(s *structpb.Struct) (model.HazardReport, error) {
	f := fields{s: s}
	r := model.HazardReport{
		ID:          f.str("id"),
		Type:        model.HazardType(f.str("type")),
		Latitude:    f.num("latitude"),
		Longitude:   f.num("longitude"),
		Description: f.str("description"),
		ImageURL:    f.str("image_url"),
		AIAnalysis:  f.str("ai_analysis"),
		ReporterID:  f.str("reporter_id"),
	}
	r.CreatedAt = f.time("created_at")
	if _, ok := f.value("accuracy_score"); ok {
		score := f.num("accuracy_score")
		r.AccuracyScore = &score
	}
	if f.err != nil {
		return model.HazardReport{}, f.err
	}
	return r, nil
}

// ReportsToList encodes a slice of reports.
func ReportsToList(rs []model.HazardReport) *structpb.ListValue {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(rs))}
	for _, r := range rs {
		out.Values = append(out.Values, structpb.NewStructValue(ReportToStruct(r)))
	}
	return out
}

// ListToReports decodes a list of reports.
func ListToReports(l *structpb.ListValue) ([]model.HazardReport, error) {
	out := make([]model.HazardReport, 0, len(l.GetValues()))
	for i, v := range l.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("%w: list element %d is not an object", ErrMalformed, i)
		}
		r, err := StructToReport(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// MessageToStruct encodes a chat message.
func MessageToStruct(m model.Message) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":          structpb.NewStringValue(m.ID),
		"sender_id":   structpb.NewStringValue(m.SenderID),
		"receiver_id": structpb.NewStringValue(m.ReceiverID),
		"content":     structpb.NewStringValue(m.Content),
		"created_at":  structpb.NewStringValue(formatTime(m.CreatedAt)),
	}}
}

// StructToMessage decodes a chat message.
func StructToMessage(s *structpb.Struct) (model.Message, error) {
	f := fields{s: s}
	m := model.Message{
		ID:         f.str("id"),
		SenderID:   f.str("sender_id"),
		ReceiverID: f.str("receiver_id"),
		Content:    f.str("content"),
	}
	m.CreatedAt = f.time("created_at")
	if f.err != nil {
		return model.Message{}, f.err
	}
	return m, nil
}

// MessagesToList encodes a slice of messages.
func MessagesToList(ms []model.Message) *structpb.ListValue {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(ms))}
	for _, m := range ms {
		out.Values = append(out.Values, structpb.NewStructValue(MessageToStruct(m)))
	}
	return out
}

// ListToMessages decodes a list of messages.
func ListToMessages(l *structpb.ListValue) ([]model.Message, error) {
	out := make([]model.Message, 0, len(l.GetValues()))
	for i, v := range l.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("%w: list element %d is not an object", ErrMalformed, i)
		}
		m, err := StructToMessage(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ConversationRequest names the two participants of a conversation.
func ConversationRequest(a, b string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"user_a": structpb.NewStringValue(a),
		"user_b": structpb.NewStringValue(b),
	}}
}

// ConversationFrom extracts both participants from a request.
func ConversationFrom(s *structpb.Struct) (a, b string, err error) {
	if a, err = KeyFrom(s, "user_a"); err != nil {
		return "", "", err
	}
	if b, err = KeyFrom(s, "user_b"); err != nil {
		return "", "", err
	}
	return a, b, nil
}

// KeyRequest builds a single-key request such as {"user_id": id}.
func KeyRequest(key, value string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{key: structpb.NewStringValue(value)}}
}

// KeyFrom extracts a required string key from a request.
func KeyFrom(s *structpb.Struct, key string) (string, error) {
	f := fields{s: s}
	v := f.str(key)
	if f.err != nil {
		return "", f.err
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrMalformed, key)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// fields reads typed values from a Struct, remembering the first error.
// Missing keys read as zero values.
type fields struct {
	s   *structpb.Struct
	err error
}

func (f *fields) value(key string) (*structpb.Value, bool) {
	if f.s == nil {
		if f.err == nil {
			f.err = fmt.Errorf("%w: empty message", ErrMalformed)
		}
		return nil, false
	}
	v, ok := f.s.GetFields()[key]
	if !ok {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

func (f *fields) str(key string) string {
	v, ok := f.value(key)
	if !ok {
		return ""
	}
	sv, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		f.fail(key, "string")
		return ""
	}
	return sv.StringValue
}

func (f *fields) num(key string) float64 {
	v, ok := f.value(key)
	if !ok {
		return 0
	}
	nv, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		f.fail(key, "number")
		return 0
	}
	return nv.NumberValue
}

func (f *fields) time(key string) time.Time {
	raw := f.str(key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		if f.err == nil {
			f.err = fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
		return time.Time{}
	}
	return t
}

func (f *fields) fail(key, want string) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s must be a %s", ErrMalformed, key, want)
	}
}
