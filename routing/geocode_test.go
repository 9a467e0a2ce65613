package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const samplePlaces = `[
  {"place_id": 307321421, "display_name": "Empire State Building, 350, 5th Avenue, Manhattan", "lat": "40.7484", "lon": "-73.9857"},
  {"place_id": 12, "display_name": "Broken", "lat": "north", "lon": "-73"}
]`

func TestNominatimSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != searchPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("q") != "empire state" || q.Get("format") != "json" || q.Get("limit") != "5" {
			t.Errorf("query = %v", q)
		}
		if r.Header.Get("User-Agent") != "safewalk-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(samplePlaces))
	}))
	defer srv.Close()

	places, err := NewNominatim(srv.URL, "safewalk-test", time.Second).Search(context.Background(), "  empire state ", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(places) != 1 {
		t.Fatalf("places = %+v, want the one with parseable coordinates", places)
	}
	p := places[0]
	if p.ID != "307321421" || p.Latitude != 40.7484 || p.Longitude != -73.9857 {
		t.Fatalf("place = %+v", p)
	}
}

func TestNominatimShortQuerySkipsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	places, err := NewNominatim(srv.URL, "", time.Second).Search(context.Background(), "ny ", 5)
	if err != nil || len(places) != 0 {
		t.Fatalf("Search = %+v, %v", places, err)
	}
	if calls.Load() != 0 {
		t.Fatalf("short query reached the geocoder")
	}
}

func TestNominatimErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewNominatim(srv.URL, "", time.Second).Search(context.Background(), "brooklyn", 3)
	if !errors.Is(err, ErrGeocodeUnavailable) {
		t.Fatalf("Search = %v, want ErrGeocodeUnavailable", err)
	}
}
