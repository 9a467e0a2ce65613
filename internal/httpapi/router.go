// Package httpapi is the local HTTP surface of a client session. The UI
// layer posts device samples to it and reads the animated pose, the peer
// set, hazard reports, walking routes, place searches and chat back.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/safewalk/hazard"
	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/presence"
	"github.com/signalsfoundry/safewalk/routing"
)

// Session is the running presence pipeline as seen by the API.
type Session interface {
	Pose() model.Pose
	Peers() []model.PresenceRecord
	LastPush() (presence.PushResult, bool)
	SetFollowing(on bool)
	Following() bool
	OnPeersChange(fn func([]model.PresenceRecord)) (unsubscribe func())
}

// SampleSink receives device samples and permission state.
type SampleSink interface {
	Publish(sample model.PositionSample) bool
	SetPermission(granted bool)
	SetServicesEnabled(enabled bool)
	State() (granted, enabled bool)
}

// Reports is the hazard report service.
type Reports interface {
	Submit(ctx context.Context, d hazard.Draft) (model.HazardReport, error)
	List(ctx context.Context) ([]model.HazardReport, error)
	Get(ctx context.Context, id string) (model.HazardReport, error)
	Nearby(ctx context.Context, center model.LatLng, radiusM float64) ([]model.HazardReport, error)
}

// Chat is the local user's direct messaging.
type Chat interface {
	Send(ctx context.Context, peer, content string) (model.Message, error)
	History(ctx context.Context, peer string) ([]model.Message, error)
	Watch(ctx context.Context, peer string) (<-chan model.Message, error)
}

// Assistant answers questions about nearby reports.
type Assistant interface {
	Ask(ctx context.Context, q hazard.Question) (string, error)
}

// Deps wires the router. Every service may be nil; the matching endpoints
// then answer 503.
type Deps struct {
	Session   Session
	Sink      SampleSink
	Reports   Reports
	Router    routing.Router
	Geocoder  routing.Geocoder
	Chat      Chat
	Assistant Assistant
	Auth      *JWT
	Logger    logging.Logger
	Metrics   http.Handler
	// AllowOrigins defaults to every origin.
	AllowOrigins []string
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logging.Noop()
	}
	origins := d.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := &handlers{deps: d}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(d.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
	}))

	r.GET("/healthz", h.health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	api := r.Group("/api")
	api.Use(d.Auth.Middleware())
	{
		api.POST("/location", h.postLocation)
		api.PUT("/location/permission", h.putPermission)
		api.GET("/pose", h.getPose)
		api.PUT("/follow", h.putFollow)
		api.GET("/peers", h.getPeers)
		api.GET("/peers/stream", h.streamPeers)
		api.GET("/push", h.getLastPush)

		api.GET("/reports", h.listReports)
		api.POST("/reports", h.submitReport)
		api.GET("/reports/nearby", h.nearbyReports)
		api.GET("/reports/:id", h.getReport)

		api.GET("/route", h.getRoute)
		api.GET("/search", h.search)

		api.GET("/chats/:peer", h.chatHistory)
		api.POST("/chats/:peer", h.sendChat)
		api.GET("/chats/:peer/stream", h.streamChat)

		api.POST("/assistant", h.ask)
	}
	return r
}
