package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/safewalk/hazard"
	"github.com/signalsfoundry/safewalk/location"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/presence"
	"github.com/signalsfoundry/safewalk/routing"
	"github.com/signalsfoundry/safewalk/store/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSession struct {
	pose      model.Pose
	peers     []model.PresenceRecord
	push      presence.PushResult
	pushed    bool
	following bool

	mu        sync.Mutex
	listeners []func([]model.PresenceRecord)
}

func (f *fakeSession) Pose() model.Pose                      { return f.pose }
func (f *fakeSession) Peers() []model.PresenceRecord         { return f.peers }
func (f *fakeSession) LastPush() (presence.PushResult, bool) { return f.push, f.pushed }
func (f *fakeSession) SetFollowing(on bool)                  { f.following = on }
func (f *fakeSession) Following() bool                       { return f.following }

func (f *fakeSession) OnPeersChange(fn func([]model.PresenceRecord)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeSession) emit(peers []model.PresenceRecord) {
	f.mu.Lock()
	fns := append([]func([]model.PresenceRecord){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(peers)
	}
}

type fakeRouter struct {
	route model.Route
	err   error
	from  model.LatLng
	to    model.LatLng
}

func (f *fakeRouter) Walking(_ context.Context, from, to model.LatLng) (model.Route, error) {
	f.from, f.to = from, to
	return f.route, f.err
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzAndRequestID(t *testing.T) {
	r := NewRouter(Deps{})
	rec := do(t, r, http.MethodGet, "/healthz", nil, requestIDHeader, "req-42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get(requestIDHeader); got != "req-42" {
		t.Fatalf("request id header = %q", got)
	}
}

func TestPostLocationFeedsSink(t *testing.T) {
	feed := location.NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	samples, err := feed.Watch(ctx, location.WatchOptions{})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	r := NewRouter(Deps{Sink: feed})

	rec := do(t, r, http.MethodPost, "/api/location", map[string]any{"latitude": 10.5, "longitude": 20.25, "heading": 90})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if got := decode[map[string]bool](t, rec); !got["accepted"] {
		t.Fatalf("sample not accepted: %v", got)
	}
	select {
	case s := <-samples:
		if s.Latitude != 10.5 || !s.HasHeading || s.Heading != 90 || s.Timestamp.IsZero() {
			t.Fatalf("sample = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("sample not delivered")
	}

	rec = do(t, r, http.MethodPost, "/api/location", map[string]any{"latitude": 1, "longitude": 2})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("headingless sample status = %d", rec.Code)
	}
	if s := <-samples; s.HasHeading {
		t.Fatalf("absent heading reported as present: %+v", s)
	}
}

func TestPostLocationValidationAndPermission(t *testing.T) {
	feed := location.NewFeed()
	r := NewRouter(Deps{Sink: feed})

	if rec := do(t, r, http.MethodPost, "/api/location", map[string]any{"latitude": 95, "longitude": 0}); rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range status = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, "/api/location", map[string]any{"longitude": 0}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing latitude status = %d", rec.Code)
	}

	rec := do(t, r, http.MethodPut, "/api/location/permission", permissionRequest{Granted: false, ServicesEnabled: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("permission status = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, "/api/location", map[string]any{"latitude": 1, "longitude": 1}); rec.Code != http.StatusForbidden {
		t.Fatalf("denied status = %d, want 403", rec.Code)
	}

	do(t, r, http.MethodPut, "/api/location/permission", permissionRequest{Granted: true, ServicesEnabled: false})
	if rec := do(t, r, http.MethodPost, "/api/location", map[string]any{"latitude": 1, "longitude": 1}); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("services disabled status = %d, want 503", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	sess := &fakeSession{
		pose:   model.Pose{Latitude: 1, Longitude: 2, Heading: 3},
		peers:  []model.PresenceRecord{{UserID: "B"}},
		push:   presence.PushResult{Status: presence.Failed, Err: fmt.Errorf("offline")},
		pushed: true,
	}
	r := NewRouter(Deps{Session: sess})

	pose := decode[struct {
		Pose      model.Pose `json:"pose"`
		Following bool       `json:"following"`
	}](t, do(t, r, http.MethodGet, "/api/pose", nil))
	if pose.Pose != sess.pose {
		t.Fatalf("pose = %+v", pose)
	}

	do(t, r, http.MethodPut, "/api/follow", followRequest{Following: true})
	if !sess.following {
		t.Fatalf("follow mode not set")
	}

	peers := decode[map[string][]model.PresenceRecord](t, do(t, r, http.MethodGet, "/api/peers", nil))
	if len(peers["peers"]) != 1 || peers["peers"][0].UserID != "B" {
		t.Fatalf("peers = %+v", peers)
	}

	push := decode[pushResponse](t, do(t, r, http.MethodGet, "/api/push", nil))
	if push.Status != "failed" || push.Error != "offline" || push.Record != nil {
		t.Fatalf("push = %+v", push)
	}
}

func TestMissingDependenciesAre503(t *testing.T) {
	r := NewRouter(Deps{})
	for _, path := range []string{
		"/api/pose", "/api/peers", "/api/peers/stream", "/api/reports", "/api/route?from=0,0&to=1,1",
		"/api/search?q=park", "/api/chats/u2", "/api/chats/u2/stream",
	} {
		if rec := do(t, r, http.MethodGet, path, nil); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want 503", path, rec.Code)
		}
	}
	for _, path := range []string{"/api/chats/u2", "/api/assistant"} {
		if rec := do(t, r, http.MethodPost, path, map[string]string{"content": "hi", "question": "hi"}); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("POST %s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestReportEndpoints(t *testing.T) {
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	auth := NewJWT([]byte("test-secret"))
	r := NewRouter(Deps{Reports: hazard.NewService(st), Auth: auth})

	tok, err := auth.GenerateToken("user-1", "u1@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	bearer := []string{"Authorization", "Bearer " + tok}

	rec := do(t, r, http.MethodPost, "/api/reports", hazard.Draft{Type: model.HazardPothole, Description: "hole", Latitude: 0.001}, bearer...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body)
	}
	created := decode[model.HazardReport](t, rec)
	if created.ReporterID != "user-1" {
		t.Fatalf("reporter = %q, want token subject", created.ReporterID)
	}

	if rec := do(t, r, http.MethodPost, "/api/reports", hazard.Draft{Type: "meteor", Description: "x"}, bearer...); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid report status = %d", rec.Code)
	}

	got := decode[model.HazardReport](t, do(t, r, http.MethodGet, "/api/reports/"+created.ID, nil, bearer...))
	if got.ID != created.ID {
		t.Fatalf("get = %+v", got)
	}
	if rec := do(t, r, http.MethodGet, "/api/reports/missing", nil, bearer...); rec.Code != http.StatusNotFound {
		t.Fatalf("missing report status = %d", rec.Code)
	}

	near := decode[map[string][]model.HazardReport](t, do(t, r, http.MethodGet, "/api/reports/nearby?lat=0&lon=0&radius=200", nil, bearer...))
	if len(near["reports"]) != 1 {
		t.Fatalf("nearby = %+v", near)
	}
	far := decode[map[string][]model.HazardReport](t, do(t, r, http.MethodGet, "/api/reports/nearby?lat=10&lon=10", nil, bearer...))
	if len(far["reports"]) != 0 {
		t.Fatalf("far = %+v", far)
	}
	for _, q := range []string{
		"lat=x",
		"lat=NaN&lon=0",
		"lat=95&lon=0",
		"lat=0&lon=-181",
		"lat=0&lon=0&radius=%2BInf",
		"lat=0&lon=0&radius=NaN",
		"lat=0&lon=0&radius=-5",
	} {
		if rec := do(t, r, http.MethodGet, "/api/reports/nearby?"+q, nil, bearer...); rec.Code != http.StatusBadRequest {
			t.Fatalf("nearby?%s status = %d, want 400", q, rec.Code)
		}
	}

	all := decode[map[string][]model.HazardReport](t, do(t, r, http.MethodGet, "/api/reports", nil, bearer...))
	if len(all["reports"]) != 1 {
		t.Fatalf("list = %+v", all)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	auth := NewJWT([]byte("right"))
	r := NewRouter(Deps{Session: &fakeSession{}, Auth: auth})

	if rec := do(t, r, http.MethodGet, "/api/pose", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/api/pose", nil, "Authorization", "Token abc"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme status = %d", rec.Code)
	}
	forged, _ := NewJWT([]byte("wrong")).GenerateToken("u", "", time.Hour)
	if rec := do(t, r, http.MethodGet, "/api/pose", nil, "Authorization", "Bearer "+forged); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d", rec.Code)
	}
	expired, _ := auth.GenerateToken("u", "", -time.Minute)
	if rec := do(t, r, http.MethodGet, "/api/pose", nil, "Authorization", "Bearer "+expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token status = %d", rec.Code)
	}
	good, _ := auth.GenerateToken("u", "", time.Minute)
	if rec := do(t, r, http.MethodGet, "/api/pose", nil, "Authorization", "bearer "+good); rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rec.Code)
	}
}

func TestRouteEndpoint(t *testing.T) {
	fr := &fakeRouter{route: model.Route{DistanceMeters: 42}}
	r := NewRouter(Deps{Router: fr})

	rec := do(t, r, http.MethodGet, "/api/route?from=40.7,-74.0&to=40.8,-73.9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if fr.from.Latitude != 40.7 || fr.to.Longitude != -73.9 {
		t.Fatalf("router got %+v -> %+v", fr.from, fr.to)
	}

	for _, q := range []string{"from=40.7&to=1,1", "from=NaN,0&to=1,1", "from=0,0&to=1,NaN"} {
		if rec := do(t, r, http.MethodGet, "/api/route?"+q, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("route?%s status = %d, want 400", q, rec.Code)
		}
	}

	fr.err = fmt.Errorf("ors: %w", routing.ErrRouteUnavailable)
	if rec := do(t, r, http.MethodGet, "/api/route?from=0,0&to=1,1", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("unavailable status = %d, want 502", rec.Code)
	}
}
