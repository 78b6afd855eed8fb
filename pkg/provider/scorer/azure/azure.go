// Package azure provides a pronunciation scorer backed by the Azure AI Speech
// short-audio REST API with pronunciation assessment enabled.
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/echojourney/pkg/provider/scorer"
	"github.com/MrWong99/echojourney/pkg/types"
)

const (
	recognitionPath = "/speech/recognition/conversation/cognitiveservices/v1"
	defaultLanguage = "zh-CN"
	defaultTimeout  = 30 * time.Second
)

var _ scorer.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the assessment locale. Defaults to "zh-CN".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithEndpoint overrides the regional endpoint
// (https://<region>.stt.speech.microsoft.com).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements scorer.Provider against Azure pronunciation assessment.
type Provider struct {
	apiKey     string
	endpoint   string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the given subscription key and region.
func New(apiKey, region string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("azure scorer: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if region != "" {
		p.endpoint = "https://" + region + ".stt.speech.microsoft.com"
	}
	for _, o := range opts {
		o(p)
	}
	if p.endpoint == "" {
		return nil, errors.New("azure scorer: region or endpoint must be set")
	}
	return p, nil
}

// assessmentConfig is serialised into the Pronunciation-Assessment header.
type assessmentConfig struct {
	ReferenceText           string `json:"ReferenceText"`
	GradingSystem           string `json:"GradingSystem"`
	Granularity             string `json:"Granularity"`
	Dimension               string `json:"Dimension"`
	EnableMiscue            bool   `json:"EnableMiscue"`
	EnableProsodyAssessment bool   `json:"EnableProsodyAssessment"`
}

type assessmentScores struct {
	AccuracyScore     float64 `json:"AccuracyScore"`
	FluencyScore      float64 `json:"FluencyScore"`
	CompletenessScore float64 `json:"CompletenessScore"`
	ProsodyScore      float64 `json:"ProsodyScore"`
}

type recognitionResponse struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	NBest             []struct {
		assessmentScores
		PronunciationAssessment *assessmentScores `json:"PronunciationAssessment"`
	} `json:"NBest"`
}

// Score implements scorer.Provider.
func (p *Provider) Score(ctx context.Context, clip types.AudioClip, reference string) (*types.Scores, error) {
	if len(clip.Data) == 0 {
		return nil, errors.New("azure scorer: empty audio clip")
	}
	if reference == "" {
		return nil, errors.New("azure scorer: reference text must not be empty")
	}

	header, err := assessmentHeader(reference)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("language", p.language)
	q.Set("format", "detailed")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+recognitionPath+"?"+q.Encode(), bytes.NewReader(clip.Data))
	if err != nil {
		return nil, fmt.Errorf("azure scorer: create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	req.Header.Set("Content-Type", clip.Platform.MIMEType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Pronunciation-Assessment", header)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure scorer: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("azure scorer: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out recognitionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("azure scorer: decode response: %w", err)
	}
	return parseScores(out)
}

// assessmentHeader encodes the assessment parameters the way the service
// expects them: base64 over the JSON document.
func assessmentHeader(reference string) (string, error) {
	data, err := json.Marshal(assessmentConfig{
		ReferenceText:           reference,
		GradingSystem:           "HundredMark",
		Granularity:             "Phoneme",
		Dimension:               "Comprehensive",
		EnableMiscue:            true,
		EnableProsodyAssessment: true,
	})
	if err != nil {
		return "", fmt.Errorf("azure scorer: marshal assessment config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func parseScores(out recognitionResponse) (*types.Scores, error) {
	if out.RecognitionStatus != "Success" {
		return nil, fmt.Errorf("azure scorer: recognition status %q", out.RecognitionStatus)
	}
	if len(out.NBest) == 0 {
		return nil, errors.New("azure scorer: no recognition candidates")
	}
	best := out.NBest[0]
	s := best.assessmentScores
	if best.PronunciationAssessment != nil {
		s = *best.PronunciationAssessment
	}
	return &types.Scores{
		Accuracy:     s.AccuracyScore,
		Fluency:      s.FluencyScore,
		Completeness: s.CompletenessScore,
		Prosody:      s.ProsodyScore,
	}, nil
}
