// Package elevenlabs synthesizes the teacher voice with the ElevenLabs
// stream-input websocket. One utterance is one connection.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/echojourney/pkg/provider/tts"
	"github.com/MrWong99/echojourney/pkg/types"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	wsPathFmt        = "/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_multilingual_v2"
	defaultOutputFmt = "mp3_44100_128"
)

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel overrides eleven_multilingual_v2.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithOutputFormat picks the encoding sent to one client platform, such as
// "pcm_16000" for a web client that plays raw PCM.
func WithOutputFormat(platform types.Platform, format string) Option {
	return func(p *Provider) { p.formats[platform] = format }
}

// WithBaseURL overrides the API host, for tests and proxies.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// Provider streams speech from the ElevenLabs websocket API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	formats map[types.Platform]string
	client  *http.Client
}

// New returns a Provider using apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		formats: make(map[types.Platform]string),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// textMessage is one client frame.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is one server frame.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize sends text as one begin/text/end sequence and concatenates the
// audio frames until the server marks the stream final.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.Voice, platform types.Platform) ([]byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: nothing to synthesize")
	}

	conn, _, err := websocket.Dial(ctx, p.buildURL(voice.ID, platform), &websocket.DialOptions{HTTPClient: p.client})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(8 << 20)

	for _, msg := range buildMessages(text, voice, p.apiKey) {
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var audio bytes.Buffer
	for {
		var resp audioResponse
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && audio.Len() > 0 {
				return audio.Bytes(), nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			audio.Write(chunk)
		}
		if resp.IsFinal {
			return audio.Bytes(), nil
		}
	}
}

// buildMessages opens with a single space, as the API requires, and closes
// with an empty text.
func buildMessages(text string, voice types.Voice, apiKey string) []textMessage {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 {
		vs.Speed = voice.SpeedFactor
	}
	return []textMessage{
		{Text: " ", VoiceSettings: vs, XiAPIKey: apiKey},
		{Text: text + " ", Flush: true},
		{Text: ""},
	}
}

func (p *Provider) buildURL(voiceID string, platform types.Platform) string {
	return p.baseURL + fmt.Sprintf(wsPathFmt, voiceID, p.model, p.outputFormat(platform))
}

func (p *Provider) outputFormat(platform types.Platform) string {
	if f, ok := p.formats[platform]; ok {
		return f
	}
	return defaultOutputFmt
}
