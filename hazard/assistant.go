package hazard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/model"
)

const (
	// AssistantRadius bounds the reports given to the assistant when the
	// user's position is known.
	AssistantRadius = 2000.0
	// maxAssistantReports caps the report context sent with one question.
	maxAssistantReports = 50
	// maxAssistantTurns caps the conversation history sent back.
	maxAssistantTurns = 20
)

// ErrEmptyQuestion is returned for a blank question.
var ErrEmptyQuestion = errors.New("empty question")

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Turn is one message of an assistant conversation. Role is "user" or "ai".
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Question is a user question with its conversation so far.
type Question struct {
	Text     string
	History  []Turn
	Location *model.LatLng
}

// Assistant answers walking-safety questions about the stored reports.
type Assistant struct {
	gen     Generator
	reports *Service
	log     logging.Logger
}

// NewAssistant returns an assistant backed by gen. A nil log is a no-op.
func NewAssistant(gen Generator, reports *Service, log logging.Logger) *Assistant {
	if log == nil {
		log = logging.Noop()
	}
	return &Assistant{gen: gen, reports: reports, log: log}
}

// Ask answers q. Reports within AssistantRadius of q.Location are used as
// context, or the newest reports when the location is unknown.
func (a *Assistant) Ask(ctx context.Context, q Question) (string, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return "", ErrEmptyQuestion
	}
	ctx, span := observability.StartSpan(ctx, tracerName, "Hazard.Ask", "", "",
		attribute.Int("assistant.history", len(q.History)),
	)
	defer span.End()

	reports, err := a.context(ctx, q.Location)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.Int("assistant.reports", len(reports)))

	answer, err := a.gen.Generate(ctx, assistantPrompt(q, reports))
	if err != nil {
		span.RecordError(err)
		logging.FromContext(ctx, a.log).Warn(ctx, "assistant request failed", logging.Err(err))
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (a *Assistant) context(ctx context.Context, at *model.LatLng) ([]model.HazardReport, error) {
	var (
		reports []model.HazardReport
		err     error
	)
	if at != nil {
		reports, err = a.reports.Nearby(ctx, *at, AssistantRadius)
	} else {
		reports, err = a.reports.List(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load assistant context: %w", err)
	}
	if len(reports) > maxAssistantReports {
		reports = reports[:maxAssistantReports]
	}
	return reports, nil
}

type reportContext struct {
	Type          model.HazardType `json:"type"`
	Description   string           `json:"description"`
	AccuracyScore *float64         `json:"accuracy_score,omitempty"`
	AIAnalysis    string           `json:"ai_analysis,omitempty"`
	Latitude      float64          `json:"latitude"`
	Longitude     float64          `json:"longitude"`
}

func assistantPrompt(q Question, reports []model.HazardReport) string {
	ctxReports := make([]reportContext, 0, len(reports))
	for _, r := range reports {
		ctxReports = append(ctxReports, reportContext{
			Type:          r.Type,
			Description:   r.Description,
			AccuracyScore: r.AccuracyScore,
			AIAnalysis:    r.AIAnalysis,
			Latitude:      r.Latitude,
			Longitude:     r.Longitude,
		})
	}
	reportsJSON, _ := json.MarshalIndent(ctxReports, "", "  ")

	location := "unknown"
	if q.Location != nil {
		location = fmt.Sprintf("%.5f, %.5f", q.Location.Latitude, q.Location.Longitude)
	}

	history := q.History
	if len(history) > maxAssistantTurns {
		history = history[len(history)-maxAssistantTurns:]
	}
	var past strings.Builder
	for _, t := range history {
		fmt.Fprintf(&past, "%s: %s\n", t.Role, t.Content)
	}

	return fmt.Sprintf(`You help pedestrians using a walking navigation app stay safe.
User location: %s
Hazard reports in the area:
%s
Conversation so far:
%s
User question: %s
Answer briefly and focus on walking safety and navigation. Relate reports to the user's position when it matters, describing distances and directions rather than raw coordinates unless the user asks for their own location. Answer questions about dangerous reports plainly.`,
		location, reportsJSON, past.String(), q.Text)
}
