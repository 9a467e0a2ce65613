package backend

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/store/grpcstore"
	"github.com/signalsfoundry/safewalk/store/memstore"
)

func startBackend(t *testing.T) (*grpcstore.Client, *grpc.ClientConn, *observability.BackendCollector) {
	t.Helper()

	collector, err := observability.NewBackendCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewBackendCollector: %v", err)
	}
	mem := memstore.New()
	srv := NewServer(mem, collector, nil)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPC.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		_ = mem.Close()
		srv.GRPC.Stop()
	})
	return grpcstore.New(conn), conn, collector
}

func TestPresenceRoundTrip(t *testing.T) {
	client, _, collector := startBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ts := time.Date(2025, time.July, 4, 12, 0, 0, 0, time.UTC)
	first, err := client.Upsert(ctx, model.PresenceRecord{UserID: "A", Latitude: 1, Longitude: 1, LastUpdated: ts})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if first.ID == "" || !first.LastUpdated.Equal(ts) {
		t.Fatalf("stored record = %+v", first)
	}
	if _, err := client.Upsert(ctx, model.PresenceRecord{UserID: "A", Latitude: 2, Longitude: 2, LastUpdated: ts.Add(time.Second)}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	for _, want := range []store.EventType{store.EventInsert, store.EventUpdate} {
		select {
		case ev := <-events:
			if ev.Type != want || ev.Record.UserID != "A" {
				t.Fatalf("event = %+v, want %s for A", ev, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	list, err := client.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Latitude != 2 || list[0].ID != first.ID {
		t.Fatalf("List = %+v, want one record for A at lat 2", list)
	}

	if err := client.DeleteByUser(ctx, "A"); err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != store.EventDelete || ev.Old == nil || ev.Old.ID != first.ID {
			t.Fatalf("delete event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for delete")
	}

	if err := client.DeleteByUser(ctx, "A"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
	if _, err := client.Upsert(ctx, model.PresenceRecord{Latitude: 1}); !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("invalid upsert = %v, want ErrInvalidRecord", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("PresenceService", "DeleteByUser", "NotFound")); got != 1 {
		t.Fatalf("backend_requests_total NotFound = %v, want 1", got)
	}
}

func TestWatchEndsWhenClientCancels(t *testing.T) {
	client, _, _ := startBackend(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := client.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch channel not closed after cancel")
	}
}

func TestReportRoundTrip(t *testing.T) {
	client, _, _ := startBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	score := 72.0
	in := model.HazardReport{
		ID:            "r-1",
		Type:          model.HazardConstruction,
		Latitude:      51.5,
		Longitude:     -0.12,
		Description:   "sidewalk closed",
		AccuracyScore: &score,
		AIAnalysis:    "barriers visible",
		ReporterID:    "A",
		CreatedAt:     time.Date(2025, time.July, 4, 9, 0, 0, 0, time.UTC),
	}
	if _, err := client.InsertReport(ctx, in); err != nil {
		t.Fatalf("InsertReport: %v", err)
	}

	got, err := client.GetReport(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Description != in.Description || got.AccuracyScore == nil || *got.AccuracyScore != 72 {
		t.Fatalf("GetReport = %+v", got)
	}

	list, err := client.ListReports(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListReports = %+v, %v", list, err)
	}

	if _, err := client.GetReport(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetReport missing = %v, want ErrNotFound", err)
	}
}

func TestHealthReportsServing(t *testing.T) {
	_, conn, _ := startBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: PresenceServiceDesc.ServiceName})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v", resp.GetStatus())
	}
}

func TestMessageRoundTrip(t *testing.T) {
	client, _, _ := startBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed, err := client.SubscribeConversation(ctx, "A", "B")
	if err != nil {
		t.Fatalf("SubscribeConversation: %v", err)
	}

	sent, err := client.InsertMessage(ctx, model.Message{SenderID: "A", ReceiverID: "B", Content: "on my way"})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if sent.ID == "" || sent.CreatedAt.IsZero() {
		t.Fatalf("stored message = %+v", sent)
	}
	if _, err := client.InsertMessage(ctx, model.Message{SenderID: "C", ReceiverID: "A", Content: "other chat"}); err != nil {
		t.Fatalf("InsertMessage C: %v", err)
	}

	select {
	case m := <-feed:
		if m.ID != sent.ID {
			t.Fatalf("feed delivered %+v, want %s", m, sent.ID)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}

	list, err := client.ListConversation(ctx, "B", "A")
	if err != nil || len(list) != 1 || list[0].Content != "on my way" {
		t.Fatalf("ListConversation = %+v, %v", list, err)
	}

	if _, err := client.InsertMessage(ctx, model.Message{SenderID: "A", ReceiverID: "A", Content: "me"}); !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("self message = %v, want ErrInvalidRecord", err)
	}
}
