// Package whisper transcribes student attempts with a self-hosted
// whisper.cpp server. Each clip is one multipart POST /inference. Start the
// server with --convert, otherwise it refuses the webm and m4a uploads of
// the apps.
//
//	p, err := whisper.New("http://localhost:8080")
//	text, err := p.Transcribe(ctx, clip, "你好")
package whisper

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
	defaultLanguage = "zh"
	defaultTimeout  = 30 * time.Second
)

// Provider transcribes with one whisper.cpp server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel asks the server for a specific model such as "large-v3". By
// default the server uses the one it was started with.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage overrides "zh".
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithTimeout bounds one transcription request, upload included.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.httpClient.Timeout = d } }

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.httpClient = c } }

// New returns a client for the whisper server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server url is required")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe passes hint as the decoder prompt, which biases whisper
// towards the sentence the student was asked to read.
func (p *Provider) Transcribe(ctx context.Context, clip types.AudioClip, hint string) (string, error) {
	if len(clip.Data) == 0 {
		return "", errors.New("whisper: empty audio clip")
	}

	body, contentType, err := p.buildForm(clip, hint)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: inference: status %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode inference result: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", stt.ErrNoSpeech
	}
	return text, nil
}

// buildForm names the file after the client platform so the server's
// converter picks the right demuxer.
func (p *Provider) buildForm(clip types.AudioClip, hint string) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	platform := clip.Platform
	if platform == "" {
		platform = types.PlatformWeb
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, platform.Filename()))
	h.Set("Content-Type", platform.MIMEType())
	fw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("whisper: form: %w", err)
	}
	if _, err := fw.Write(clip.Data); err != nil {
		return nil, "", fmt.Errorf("whisper: form: %w", err)
	}

	fields := []struct{ name, value string }{
		{"language", p.language},
		{"model", p.model},
		{"prompt", hint},
		{"response_format", "json"},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("whisper: form field %s: %w", f.name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: form: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}
