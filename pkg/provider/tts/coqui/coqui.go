// Package coqui synthesizes speech with a self-hosted Coqui server. It is
// meant as the offline backup behind a hosted voice.
//
// The standard server (ghcr.io/coqui-ai/tts-cpu) is called with
// GET /api/tts. The XTTS v2 server, the one that speaks Mandarin, is called
// with POST /tts_to_audio/ and clones the voice from a speaker wav. Both
// return a WAV file, which is checked and passed through untouched.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/echojourney/pkg/provider/tts"
	"github.com/MrWong99/echojourney/pkg/types"
)

// APIMode picks the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

const (
	standardPath = "/api/tts"
	xttsPath     = "/tts_to_audio/"
)

// Provider is a [tts.Provider] for one Coqui server. It is safe for
// concurrent use.
type Provider struct {
	serverURL string
	language  string
	apiMode   APIMode
	client    *http.Client
}

var _ tts.Provider = (*Provider)(nil)

type Option func(*Provider)

// WithLanguage overrides the language code, "zh-cn" by default.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithTimeout bounds each request; the default is 30s.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.client.Timeout = d } }

func WithAPIMode(mode APIMode) Option { return func(p *Provider) { p.apiMode = mode } }

// New targets the server at serverURL, e.g. "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server url is required")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  "zh-cn",
		apiMode:   APIModeStandard,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// xttsBody is the POST body of the XTTS server.
type xttsBody struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize ignores platform; every client plays WAV.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.Voice, _ types.Platform) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: nothing to synthesize")
	}
	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeXTTS {
		req, err = p.xttsRequest(ctx, text, voice)
	} else {
		req, err = p.standardRequest(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s: status %d", req.URL.Path, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	if _, err := parseWAV(wav); err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return wav, nil
}

func (p *Provider) standardRequest(ctx context.Context, text string, voice types.Voice) (*http.Request, error) {
	q := url.Values{"text": {text}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+standardPath+"?"+q.Encode(), nil)
}

func (p *Provider) xttsRequest(ctx context.Context, text string, voice types.Voice) (*http.Request, error) {
	if voice.ID == "" {
		return nil, errors.New("coqui: xtts needs a speaker wav as voice id")
	}
	body, err := json.Marshal(xttsBody{Text: text, SpeakerWav: voice.ID, Language: p.language})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// wavInfo describes the PCM payload of a RIFF/WAVE file.
type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

var errNotWAV = errors.New("response is not a WAV file")

// parseWAV walks the RIFF chunks up to "data". The "fmt " chunk must come
// first.
func parseWAV(b []byte) (wavInfo, error) {
	if len(b) < 12 || string(b[:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return wavInfo{}, errNotWAV
	}
	le := binary.LittleEndian
	var info wavInfo
	for off := 12; off+8 <= len(b); {
		id, size := string(b[off:off+4]), int(le.Uint32(b[off+4:off+8]))
		body := b[off+8:]
		switch {
		case id == "fmt " && size >= 16 && len(body) >= 16:
			info.Channels = int(le.Uint16(body[2:4]))
			info.SampleRate = int(le.Uint32(body[4:8]))
		case id == "data":
			if info.SampleRate == 0 {
				return wavInfo{}, fmt.Errorf("%w: data before fmt", errNotWAV)
			}
			info.DataOffset = off + 8
			return info, nil
		}
		off += 8 + size + size%2
	}
	return wavInfo{}, fmt.Errorf("%w: no data chunk", errNotWAV)
}
