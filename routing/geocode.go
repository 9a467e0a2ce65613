package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/model"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	searchPath          = "/search"

	// MinQueryLength is the shortest query, in characters, that is sent
	// to the geocoder.
	MinQueryLength = 3
	// DefaultSearchLimit is used when the caller asks for no limit.
	DefaultSearchLimit = 5
	maxSearchLimit     = 40
)

// ErrGeocodeUnavailable is returned when the geocoder answers with an
// error or an unreadable body.
var ErrGeocodeUnavailable = errors.New("geocoding unavailable")

// Geocoder resolves free-text place queries.
type Geocoder interface {
	Search(ctx context.Context, query string, limit int) ([]model.Place, error)
}

// Nominatim is an OpenStreetMap Nominatim search client.
type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewNominatim creates a client. Nominatim's usage policy requires an
// identifying User-Agent.
func NewNominatim(baseURL, userAgent string, timeout time.Duration) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}
	return &Nominatim{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type nominatimPlace struct {
	PlaceID     json.Number `json:"place_id"`
	DisplayName string      `json:"display_name"`
	Lat         string      `json:"lat"`
	Lon         string      `json:"lon"`
}

// Search implements Geocoder. Queries shorter than MinQueryLength return
// no places without a request.
func (n *Nominatim) Search(ctx context.Context, query string, limit int) ([]model.Place, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinQueryLength {
		return []model.Place{}, nil
	}
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "Routing.Geocode", "query", query,
		attribute.Int("geocode.limit", limit),
	)
	defer span.End()

	places, err := n.search(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("geocode.results", len(places)))
	return places, nil
}

func (n *Nominatim) search(ctx context.Context, query string, limit int) ([]model.Place, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	endpoint := n.baseURL + searchPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch places: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: HTTP %d from %s: %s", ErrGeocodeUnavailable, resp.StatusCode, n.baseURL, bytes.TrimSpace(snippet))
	}

	var raw []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode places: %v", ErrGeocodeUnavailable, err)
	}
	return toPlaces(raw), nil
}

// toPlaces skips entries whose coordinates do not parse.
func toPlaces(raw []nominatimPlace) []model.Place {
	out := make([]model.Place, 0, len(raw))
	for _, p := range raw {
		lat, errLat := strconv.ParseFloat(p.Lat, 64)
		lon, errLon := strconv.ParseFloat(p.Lon, 64)
		if errLat != nil || errLon != nil {
			continue
		}
		out = append(out, model.Place{
			ID:        p.PlaceID.String(),
			Name:      p.DisplayName,
			Latitude:  lat,
			Longitude: lon,
		})
	}
	return out
}
