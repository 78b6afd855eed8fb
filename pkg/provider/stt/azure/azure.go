// Package azure provides an STT provider backed by the Azure AI Speech fast
// transcription REST API.
//
// It is typically configured as the backup transcriber: the clip is uploaded
// unchanged together with a JSON definition that pins the locale.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/echojourney/pkg/provider/stt"
	"github.com/MrWong99/echojourney/pkg/types"
)

const (
	apiVersion      = "2024-11-15"
	defaultLocale   = "zh-CN"
	defaultTimeout  = 30 * time.Second
	subscriptionKey = "Ocp-Apim-Subscription-Key"
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLocale sets the recognition locale. Defaults to "zh-CN".
func WithLocale(locale string) Option {
	return func(p *Provider) {
		p.locale = locale
	}
}

// WithEndpoint overrides the service endpoint. By default it is derived from
// the region: https://<region>.api.cognitive.microsoft.com.
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

// Provider implements stt.Provider against Azure fast transcription.
type Provider struct {
	apiKey     string
	endpoint   string
	locale     string
	httpClient *http.Client
}

// New creates a Provider for the given subscription key and region.
func New(apiKey, region string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("azure stt: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		locale:     defaultLocale,
		httpClient: &http.Client{Timeout: defaultTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if region != "" {
		p.endpoint = "https://" + region + ".api.cognitive.microsoft.com"
	}
	for _, o := range opts {
		o(p)
	}
	if p.endpoint == "" {
		return nil, errors.New("azure stt: region or endpoint must be set")
	}
	return p, nil
}

type definition struct {
	Locales             []string `json:"locales"`
	ProfanityFilterMode string   `json:"profanityFilterMode"`
	Channels            []int    `json:"channels"`
}

type transcriptionResponse struct {
	CombinedPhrases []struct {
		Text string `json:"text"`
	} `json:"combinedPhrases"`
}

// Transcribe implements stt.Provider. The hint is ignored: fast transcription
// has no free-text prompt.
func (p *Provider) Transcribe(ctx context.Context, clip types.AudioClip, _ string) (string, error) {
	if len(clip.Data) == 0 {
		return "", errors.New("azure stt: empty audio clip")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, clip.Platform.Filename()))
	h.Set("Content-Type", clip.Platform.MIMEType())
	fw, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("azure stt: create audio part: %w", err)
	}
	if _, err := fw.Write(clip.Data); err != nil {
		return "", fmt.Errorf("azure stt: write audio: %w", err)
	}

	def, err := json.Marshal(definition{
		Locales:             []string{p.locale},
		ProfanityFilterMode: "Masked",
		Channels:            []int{0, 1},
	})
	if err != nil {
		return "", fmt.Errorf("azure stt: marshal definition: %w", err)
	}
	dh := make(textproto.MIMEHeader)
	dh.Set("Content-Disposition", `form-data; name="definition"`)
	dh.Set("Content-Type", "application/json")
	dw, err := mw.CreatePart(dh)
	if err != nil {
		return "", fmt.Errorf("azure stt: create definition part: %w", err)
	}
	if _, err := dw.Write(def); err != nil {
		return "", fmt.Errorf("azure stt: write definition: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("azure stt: close multipart writer: %w", err)
	}

	url := p.endpoint + "/speechtotext/transcriptions:transcribe?api-version=" + apiVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("azure stt: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set(subscriptionKey, p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("azure stt: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("azure stt: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("azure stt: decode response: %w", err)
	}
	if len(out.CombinedPhrases) == 0 || strings.TrimSpace(out.CombinedPhrases[0].Text) == "" {
		return "", stt.ErrNoSpeech
	}
	return strings.TrimSpace(out.CombinedPhrases[0].Text), nil
}
