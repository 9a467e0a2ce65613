package httpapi

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/safewalk/chat"
	"github.com/signalsfoundry/safewalk/hazard"
	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/location"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/routing"
	"github.com/signalsfoundry/safewalk/store"
)

// DefaultNearbyRadius is used when /api/reports/nearby has no radius.
const DefaultNearbyRadius = 500.0

type handlers struct {
	deps Deps
}

type locationRequest struct {
	Latitude  *float64  `json:"latitude" binding:"required,gte=-90,lte=90"`
	Longitude *float64  `json:"longitude" binding:"required,gte=-180,lte=180"`
	Heading   *float64  `json:"heading"`
	Accuracy  float64   `json:"accuracy" binding:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}

type permissionRequest struct {
	Granted         bool `json:"granted"`
	ServicesEnabled bool `json:"services_enabled"`
}

type followRequest struct {
	Following bool `json:"following"`
}

type pushResponse struct {
	Status string                `json:"status"`
	Error  string                `json:"error,omitempty"`
	Record *model.PresenceRecord `json:"record,omitempty"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) postLocation(c *gin.Context) {
	sink := h.deps.Sink
	if sink == nil {
		abort(c, http.StatusServiceUnavailable, "location feed not configured")
		return
	}
	granted, enabled := sink.State()
	switch {
	case !granted:
		abort(c, http.StatusForbidden, location.ErrPermissionDenied.Error())
		return
	case !enabled:
		abort(c, http.StatusServiceUnavailable, location.ErrServicesDisabled.Error())
		return
	}

	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid location: "+err.Error())
		return
	}
	sample := model.PositionSample{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Accuracy:  req.Accuracy,
		Timestamp: req.Timestamp,
	}
	if req.Heading != nil {
		sample.Heading = *req.Heading
		sample.HasHeading = true
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": sink.Publish(sample)})
}

func (h *handlers) putPermission(c *gin.Context) {
	if h.deps.Sink == nil {
		abort(c, http.StatusServiceUnavailable, "location feed not configured")
		return
	}
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid permission state")
		return
	}
	h.deps.Sink.SetPermission(req.Granted)
	h.deps.Sink.SetServicesEnabled(req.ServicesEnabled)
	c.JSON(http.StatusOK, req)
}

func (h *handlers) getPose(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pose":      h.deps.Session.Pose(),
		"following": h.deps.Session.Following(),
	})
}

func (h *handlers) putFollow(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid follow state")
		return
	}
	h.deps.Session.SetFollowing(req.Following)
	c.JSON(http.StatusOK, req)
}

func (h *handlers) getPeers(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": h.deps.Session.Peers()})
}

func (h *handlers) getLastPush(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	res, ok := h.deps.Session.LastPush()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	out := pushResponse{Status: res.Status.String()}
	if res.Err != nil {
		out.Error = res.Err.Error()
	} else {
		rec := res.Record
		out.Record = &rec
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) listReports(c *gin.Context) {
	if !h.requireReports(c) {
		return
	}
	reports, err := h.deps.Reports.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

func (h *handlers) submitReport(c *gin.Context) {
	if !h.requireReports(c) {
		return
	}
	var d hazard.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		abort(c, http.StatusBadRequest, "invalid report: "+err.Error())
		return
	}
	if claims, ok := claimsFrom(c); ok {
		d.ReporterID = claims.Subject
	}

	r, err := h.deps.Reports.Submit(c.Request.Context(), d)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *handlers) getReport(c *gin.Context) {
	if !h.requireReports(c) {
		return
	}
	r, err := h.deps.Reports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handlers) nearbyReports(c *gin.Context) {
	if !h.requireReports(c) {
		return
	}
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lon, errLon := strconv.ParseFloat(c.Query("lon"), 64)
	if errLat != nil || errLon != nil {
		abort(c, http.StatusBadRequest, "lat and lon are required")
		return
	}
	center := model.LatLng{Latitude: lat, Longitude: lon}
	if err := checkLatLng(center); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	radius := DefaultNearbyRadius
	if raw := c.Query("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			abort(c, http.StatusBadRequest, "radius must be a positive number of metres")
			return
		}
		radius = v
	}

	reports, err := h.deps.Reports.Nearby(c.Request.Context(), center, radius)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

func (h *handlers) getRoute(c *gin.Context) {
	if h.deps.Router == nil {
		abort(c, http.StatusServiceUnavailable, "routing not configured")
		return
	}
	from, err := parseLatLng(c.Query("from"))
	if err != nil {
		abort(c, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseLatLng(c.Query("to"))
	if err != nil {
		abort(c, http.StatusBadRequest, "to: "+err.Error())
		return
	}

	route, err := h.deps.Router.Walking(c.Request.Context(), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, route)
}

func (h *handlers) search(c *gin.Context) {
	if h.deps.Geocoder == nil {
		abort(c, http.StatusServiceUnavailable, "search not configured")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			abort(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}
	places, err := h.deps.Geocoder.Search(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"places": places})
}

type chatRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *handlers) chatHistory(c *gin.Context) {
	if !h.requireChat(c) {
		return
	}
	msgs, err := h.deps.Chat.History(c.Request.Context(), c.Param("peer"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *handlers) sendChat(c *gin.Context) {
	if !h.requireChat(c) {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}
	m, err := h.deps.Chat.Send(c.Request.Context(), c.Param("peer"), req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

type assistantRequest struct {
	Question  string        `json:"question" binding:"required"`
	History   []hazard.Turn `json:"history" binding:"max=50"`
	Latitude  *float64      `json:"latitude" binding:"omitempty,gte=-90,lte=90"`
	Longitude *float64      `json:"longitude" binding:"omitempty,gte=-180,lte=180"`
}

func (h *handlers) ask(c *gin.Context) {
	if h.deps.Assistant == nil {
		abort(c, http.StatusServiceUnavailable, "assistant not configured")
		return
	}
	var req assistantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid question: "+err.Error())
		return
	}
	q := hazard.Question{Text: req.Question, History: req.History}
	switch {
	case req.Latitude != nil && req.Longitude != nil:
		q.Location = &model.LatLng{Latitude: *req.Latitude, Longitude: *req.Longitude}
	case h.deps.Session != nil:
		if _, ok := h.deps.Session.LastPush(); ok {
			pose := h.deps.Session.Pose()
			q.Location = &model.LatLng{Latitude: pose.Latitude, Longitude: pose.Longitude}
		}
	}

	answer, err := h.deps.Assistant.Ask(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

func (h *handlers) requireChat(c *gin.Context) bool {
	if h.deps.Chat == nil {
		abort(c, http.StatusServiceUnavailable, "chat not configured")
		return false
	}
	return true
}

func (h *handlers) requireSession(c *gin.Context) bool {
	if h.deps.Session == nil {
		abort(c, http.StatusServiceUnavailable, "no active session")
		return false
	}
	return true
}

func (h *handlers) requireReports(c *gin.Context) bool {
	if h.deps.Reports == nil {
		abort(c, http.StatusServiceUnavailable, "reports not configured")
		return false
	}
	return true
}

// fail maps domain errors onto HTTP status codes.
func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, hazard.ErrInvalidReport), errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, hazard.ErrEmptyQuestion):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, routing.ErrRouteUnavailable), errors.Is(err, routing.ErrGeocodeUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, hazard.ErrAnalyzerUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, location.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	_ = c.Error(err)
	if status >= 500 {
		logging.FromContext(c.Request.Context(), h.deps.Logger).Error(c.Request.Context(), "request failed", logging.Err(err))
	}
	abort(c, status, err.Error())
}

func parseLatLng(raw string) (model.LatLng, error) {
	lat, lon, ok := strings.Cut(raw, ",")
	if !ok {
		return model.LatLng{}, fmt.Errorf("want lat,lon, got %q", raw)
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return model.LatLng{}, fmt.Errorf("latitude: %w", err)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return model.LatLng{}, fmt.Errorf("longitude: %w", err)
	}
	p := model.LatLng{Latitude: la, Longitude: lo}
	if err := checkLatLng(p); err != nil {
		return model.LatLng{}, err
	}
	return p, nil
}

// checkLatLng rejects NaN and out-of-range coordinates.
func checkLatLng(p model.LatLng) error {
	if !(p.Latitude >= -90 && p.Latitude <= 90) || !(p.Longitude >= -180 && p.Longitude <= 180) {
		return fmt.Errorf("%v,%v out of range", p.Latitude, p.Longitude)
	}
	return nil
}
