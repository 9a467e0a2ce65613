// Package routing fetches walking directions from OpenRouteService and
// resolves place searches through Nominatim.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/model"
)

const (
	DefaultBaseURL = "https://api.openrouteservice.org"
	walkingPath    = "/v2/directions/foot-walking"
	tracerName     = "github.com/signalsfoundry/safewalk/routing"
)

// ErrRouteUnavailable is returned when the routing service has no usable
// route or answers with an error.
var ErrRouteUnavailable = errors.New("route unavailable")

// Router returns a walking route between two points.
type Router interface {
	Walking(ctx context.Context, from, to model.LatLng) (model.Route, error)
}

// Client is an OpenRouteService HTTP client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type directionsRequest struct {
	Coordinates  [][2]float64 `json:"coordinates"`
	Instructions bool         `json:"instructions"`
	Format       string       `json:"format"`
}

type geoJSONResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Segments []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
				Steps    []struct {
					Instruction string  `json:"instruction"`
					Distance    float64 `json:"distance"`
					Duration    float64 `json:"duration"`
				} `json:"steps"`
			} `json:"segments"`
		} `json:"properties"`
	} `json:"features"`
}

// Walking implements Router.
func (c *Client) Walking(ctx context.Context, from, to model.LatLng) (model.Route, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "Routing.Walking", "route", "",
		attribute.Float64("route.from.lat", from.Latitude),
		attribute.Float64("route.from.lon", from.Longitude),
		attribute.Float64("route.to.lat", to.Latitude),
		attribute.Float64("route.to.lon", to.Longitude),
	)
	defer span.End()

	route, err := c.walking(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Route{}, err
	}
	span.SetAttributes(attribute.Float64("route.distance_m", route.DistanceMeters))
	return route, nil
}

func (c *Client) walking(ctx context.Context, from, to model.LatLng) (model.Route, error) {
	// ORS takes [lon, lat] pairs.
	body, err := json.Marshal(directionsRequest{
		Coordinates: [][2]float64{
			{from.Longitude, from.Latitude},
			{to.Longitude, to.Latitude},
		},
		Instructions: true,
		Format:       "geojson",
	})
	if err != nil {
		return model.Route{}, fmt.Errorf("encode directions request: %w", err)
	}

	url := c.baseURL + walkingPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return model.Route{}, fmt.Errorf("build directions request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Route{}, fmt.Errorf("fetch directions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Route{}, fmt.Errorf("%w: HTTP %d from %s: %s", ErrRouteUnavailable, resp.StatusCode, url, bytes.TrimSpace(snippet))
	}

	var payload geoJSONResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.Route{}, fmt.Errorf("decode directions: %w", err)
	}
	return toRoute(payload)
}

func toRoute(payload geoJSONResponse) (model.Route, error) {
	if len(payload.Features) == 0 {
		return model.Route{}, fmt.Errorf("%w: no features", ErrRouteUnavailable)
	}
	f := payload.Features[0]
	if len(f.Properties.Segments) == 0 {
		return model.Route{}, fmt.Errorf("%w: no segments", ErrRouteUnavailable)
	}

	route := model.Route{Coordinates: make([]model.LatLng, 0, len(f.Geometry.Coordinates))}
	for _, c := range f.Geometry.Coordinates {
		if len(c) < 2 {
			return model.Route{}, fmt.Errorf("%w: malformed coordinate %v", ErrRouteUnavailable, c)
		}
		route.Coordinates = append(route.Coordinates, model.LatLng{Latitude: c[1], Longitude: c[0]})
	}

	seg := f.Properties.Segments[0]
	route.DistanceMeters = seg.Distance
	route.DurationSeconds = seg.Duration
	route.Steps = make([]model.RouteStep, 0, len(seg.Steps))
	for _, s := range seg.Steps {
		route.Steps = append(route.Steps, model.RouteStep{
			Text:            s.Instruction,
			DistanceMeters:  s.Distance,
			DurationSeconds: s.Duration,
		})
	}
	return route, nil
}
