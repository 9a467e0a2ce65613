package hazard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/safewalk/model"
)

// ErrAnalyzerUnavailable is returned when the analysis backend cannot be
// reached or is not configured.
var ErrAnalyzerUnavailable = errors.New("analyzer unavailable")

// Subject is what gets rated.
type Subject struct {
	Type        model.HazardType
	Description string
	// ImageBase64 is a JPEG, optionally in data URL form.
	ImageBase64 string
}

// Assessment is the analyzer's verdict.
type Assessment struct {
	Score    float64 // 0 to 100
	Analysis string
}

// Analyzer rates how well a report's photo matches its description.
type Analyzer interface {
	Analyze(ctx context.Context, s Subject) (Assessment, error)
}

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel   = "gemini-1.5-flash"
)

// GeminiAnalyzer calls the Gemini generateContent endpoint.
type GeminiAnalyzer struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewGeminiAnalyzer returns an analyzer. Empty baseURL and model use the
// defaults.
func NewGeminiAnalyzer(baseURL, model, apiKey string, timeout time.Duration) *GeminiAnalyzer {
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiAnalyzer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

var dataURLPrefix = regexp.MustCompile(`^data:image/[a-z]+;base64,`)

// Analyze implements Analyzer.
func (g *GeminiAnalyzer) Analyze(ctx context.Context, s Subject) (Assessment, error) {
	parts := []geminiPart{{Text: prompt(s)}}
	if s.ImageBase64 != "" {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/jpeg",
			Data:     dataURLPrefix.ReplaceAllString(s.ImageBase64, ""),
		}})
	}
	text, err := g.generate(ctx, parts)
	if err != nil {
		return Assessment{}, err
	}
	score, analysis := ParseRating(text)
	return Assessment{Score: score, Analysis: analysis}, nil
}

// Generate implements Generator with a single text prompt.
func (g *GeminiAnalyzer) Generate(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, []geminiPart{{Text: prompt}})
}

// generate posts one generateContent request and returns the first
// candidate's text.
func (g *GeminiAnalyzer) generate(ctx context.Context, parts []geminiPart) (string, error) {
	if g.apiKey == "" {
		return "", fmt.Errorf("%w: no api key", ErrAnalyzerUnavailable)
	}
	body, err := json.Marshal(geminiRequest{Contents: []geminiContent{{Parts: parts}}})
	if err != nil {
		return "", fmt.Errorf("encode gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/v1/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrAnalyzerUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini response has no candidates")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

func prompt(s Subject) string {
	desc := s.Description
	if strings.TrimSpace(desc) == "" {
		desc = "NONE"
	}
	return fmt.Sprintf(`You audit pedestrian hazard reports for a walking navigation app.
Compare the attached photo with the reported obstacle type %q and the description %q.
If the description is NONE, judge the photo against the type alone.
A report whose photo matches a related category deserves partial credit; mention the mismatch.
Rate the accuracy from 0 to 100 and explain in one sentence.
Reply with JSON only: {"rating": <number>, "reason": "<sentence>"}`, s.Type, desc)
}

var (
	quotedRating  = regexp.MustCompile(`['"]rating['"]\s*:\s*['"]?(\d+(?:\.\d+)?)`)
	quotedReason  = regexp.MustCompile(`['"]reason['"]\s*:\s*['"]([^'"]+)['"]`)
	percentRating = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	codeFence     = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
)

// ParseRating extracts a 0..100 score and an explanation from a model
// reply. It accepts a JSON object with rating and reason (or analysis),
// then single-quoted pseudo JSON, then a bare percentage. Anything else
// scores 0. The explanation falls back to the raw text.
func ParseRating(text string) (float64, string) {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		if raw, ok := obj["rating"]; ok {
			score := toScore(raw)
			for _, k := range []string{"reason", "analysis"} {
				if s, ok := obj[k].(string); ok && s != "" {
					return score, s
				}
			}
			return score, ""
		}
	}

	analysis := text
	if m := quotedReason.FindStringSubmatch(text); m != nil {
		analysis = m[1]
	}
	if m := quotedRating.FindStringSubmatch(text); m != nil {
		return clampScore(parseFloat(m[1])), analysis
	}
	if m := percentRating.FindStringSubmatch(text); m != nil {
		return clampScore(parseFloat(m[1])), analysis
	}
	return 0, analysis
}

func toScore(v any) float64 {
	switch x := v.(type) {
	case float64:
		return clampScore(x)
	case string:
		return clampScore(parseFloat(strings.TrimSuffix(strings.TrimSpace(x), "%")))
	default:
		return 0
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func clampScore(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(100, f))
}
