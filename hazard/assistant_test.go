package hazard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/safewalk/model"
)

type fakeGenerator struct {
	prompt string
	answer string
	err    error
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.answer, f.err
}

func TestAssistantUsesNearbyReports(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Submit(ctx, Draft{Type: model.HazardFlooding, Latitude: 40.7484, Longitude: -73.9857, Description: "flooded crossing"}); err != nil {
		t.Fatalf("Submit near: %v", err)
	}
	if _, err := svc.Submit(ctx, Draft{Type: model.HazardPothole, Latitude: 41.5, Longitude: -73.9857, Description: "far away hole"}); err != nil {
		t.Fatalf("Submit far: %v", err)
	}

	gen := &fakeGenerator{answer: "  Avoid the crossing on 5th.  "}
	a := NewAssistant(gen, svc, nil)
	answer, err := a.Ask(ctx, Question{
		Text:     "is my route safe?",
		History:  []Turn{{Role: "user", Content: "hello"}, {Role: "ai", Content: "hi there"}},
		Location: &model.LatLng{Latitude: 40.7480, Longitude: -73.9850},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer != "Avoid the crossing on 5th." {
		t.Fatalf("answer = %q", answer)
	}
	for _, want := range []string{"flooded crossing", "ai: hi there", "is my route safe?", "40.74800, -73.98500"} {
		if !strings.Contains(gen.prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, gen.prompt)
		}
	}
	if strings.Contains(gen.prompt, "far away hole") {
		t.Fatalf("prompt includes a report outside the radius")
	}
}

func TestAssistantErrors(t *testing.T) {
	svc, _ := newTestService(t)
	a := NewAssistant(&fakeGenerator{err: ErrAnalyzerUnavailable}, svc, nil)

	if _, err := a.Ask(context.Background(), Question{Text: "   "}); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("blank question = %v, want ErrEmptyQuestion", err)
	}
	if _, err := a.Ask(context.Background(), Question{Text: "anything near?"}); !errors.Is(err, ErrAnalyzerUnavailable) {
		t.Fatalf("generator failure = %v, want ErrAnalyzerUnavailable", err)
	}
}
