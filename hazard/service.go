// Package hazard implements user-submitted pedestrian hazard reports with an
// optional AI plausibility score.
package hazard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/motion"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/timectrl"
)

const tracerName = "github.com/signalsfoundry/safewalk/hazard"

// ErrInvalidReport wraps validation failures of a Draft.
var ErrInvalidReport = errors.New("invalid hazard report")

// Draft is a report as submitted by the user.
type Draft struct {
	Type        model.HazardType `json:"type" validate:"required,hazardtype"`
	Latitude    float64          `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64          `json:"longitude" validate:"gte=-180,lte=180"`
	Description string           `json:"description" validate:"required,max=2000"`
	// Image is a base64 JPEG or data URL. It is stored as the report's
	// image URL.
	Image      string `json:"image,omitempty"`
	ReporterID string `json:"reporter_id,omitempty"`
}

// ReportRecorder counts accepted reports.
type ReportRecorder interface {
	IncReport(hazardType string)
}

// Option configures a Service.
type Option func(*Service)

func WithAnalyzer(a Analyzer) Option         { return func(s *Service) { s.analyzer = a } }
func WithLogger(l logging.Logger) Option     { return func(s *Service) { s.log = l } }
func WithClock(c timectrl.Clock) Option      { return func(s *Service) { s.clock = c } }
func WithRecorder(r ReportRecorder) Option   { return func(s *Service) { s.metrics = r } }
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// Service validates, scores and stores reports.
type Service struct {
	reports  store.ReportStore
	analyzer Analyzer
	log      logging.Logger
	clock    timectrl.Clock
	metrics  ReportRecorder
	newID    func() string
	validate *validator.Validate
}

// NewService builds a Service over reports.
func NewService(reports store.ReportStore, opts ...Option) *Service {
	s := &Service{
		reports: reports,
		log:     logging.Noop(),
		clock:   timectrl.SystemClock{},
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	v := validator.New()
	_ = v.RegisterValidation("hazardtype", func(fl validator.FieldLevel) bool {
		return ValidType(model.HazardType(fl.Field().String()))
	})
	s.validate = v
	return s
}

// ValidType reports whether t is an accepted hazard type.
func ValidType(t model.HazardType) bool {
	for _, known := range model.HazardTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Validate checks a draft without submitting it.
func (s *Service) Validate(d Draft) error {
	d.Description = strings.TrimSpace(d.Description)
	if err := s.validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	return nil
}

// Submit validates d, rates it when it carries a photo and an analyzer is
// configured, then stores it. Analyzer failures are logged and do not
// block the submission.
func (s *Service) Submit(ctx context.Context, d Draft) (model.HazardReport, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "Hazard.Submit", "report", "",
		attribute.String("hazard.type", string(d.Type)),
	)
	defer span.End()

	d.Description = strings.TrimSpace(d.Description)
	if err := s.Validate(d); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.HazardReport{}, err
	}

	r := model.HazardReport{
		ID:          s.newID(),
		Type:        d.Type,
		Latitude:    d.Latitude,
		Longitude:   d.Longitude,
		Description: d.Description,
		ImageURL:    d.Image,
		ReporterID:  d.ReporterID,
		CreatedAt:   s.clock.Now().UTC(),
	}
	span.SetAttributes(attribute.String("entity_id", r.ID))

	if d.Image != "" && s.analyzer != nil {
		a, err := s.analyzer.Analyze(ctx, Subject{Type: d.Type, Description: d.Description, ImageBase64: d.Image})
		if err != nil {
			s.log.Warn(ctx, "hazard analysis failed",
				logging.String("report_id", r.ID),
				logging.Err(err),
			)
			a = Assessment{}
		}
		score := a.Score
		r.AccuracyScore = &score
		r.AIAnalysis = a.Analysis
	}

	stored, err := s.reports.InsertReport(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.HazardReport{}, fmt.Errorf("store report: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IncReport(string(stored.Type))
	}
	s.log.Info(ctx, "hazard report stored",
		logging.String("report_id", stored.ID),
		logging.String("type", string(stored.Type)),
	)
	return stored, nil
}

// List returns every report, newest first.
func (s *Service) List(ctx context.Context) ([]model.HazardReport, error) {
	return s.reports.ListReports(ctx)
}

// Get returns one report.
func (s *Service) Get(ctx context.Context, id string) (model.HazardReport, error) {
	return s.reports.GetReport(ctx, id)
}

// Nearby returns reports within radiusM metres of center, closest first.
func (s *Service) Nearby(ctx context.Context, center model.LatLng, radiusM float64) ([]model.HazardReport, error) {
	all, err := s.reports.ListReports(ctx)
	if err != nil {
		return nil, err
	}

	type hit struct {
		r model.HazardReport
		d float64
	}
	hits := make([]hit, 0, len(all))
	for _, r := range all {
		if d := motion.HaversineMeters(center, r.Position()); d <= radiusM {
			hits = append(hits, hit{r: r, d: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].d < hits[j].d })

	out := make([]model.HazardReport, len(hits))
	for i, h := range hits {
		out[i] = h.r
	}
	return out, nil
}
