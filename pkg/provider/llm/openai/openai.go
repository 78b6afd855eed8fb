// Package openai talks to the OpenAI chat completions API, or to anything
// that speaks its dialect (Azure OpenAI, vLLM, llama.cpp server), through
// the official SDK. Use it over anyllm when JSON mode must be enforced by
// the server instead of by prompt.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/echojourney/pkg/provider/llm"
)

// Provider is an [llm.Provider] for one OpenAI model.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Option adds a request option to every call.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at a compatible server.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) {
		if url != "" {
			*o = append(*o, option.WithBaseURL(url))
		}
	}
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(o *[]option.RequestOption) {
		if org != "" {
			*o = append(*o, option.WithOrganization(org))
		}
	}
}

// WithTimeout bounds each HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(o *[]option.RequestOption) {
		if d > 0 {
			*o = append(*o, option.WithRequestTimeout(d))
		}
	}
}

// New returns a Provider for model. apiKey and model are required.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	out := make(chan llm.Chunk, 32)
	emit := func(c llm.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			cur := stream.Current()
			if len(cur.Choices) == 0 {
				continue
			}
			c := cur.Choices[0]
			if !emit(llm.Chunk{Role: c.Delta.Role, Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		}
	}()
	return out, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: complete: response has no choices")
	}
	u := resp.Usage
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		},
	}, nil
}

// TODO: count with tiktoken-go; the byte heuristic undercounts hanzi.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

func (p *Provider) Capabilities() llm.ModelCapabilities { return modelCapabilities(p.model) }

// modelFamily overrides the defaults for model names with the given prefix.
// The first matching prefix wins, so longer prefixes come first.
type modelFamily struct {
	prefix    string
	window    int
	maxOutput int
	noJSON    bool
}

var families = []modelFamily{
	{prefix: "gpt-4o", maxOutput: 16_384},
	{prefix: "gpt-4.1", maxOutput: 16_384},
	{prefix: "gpt-4-turbo"},
	{prefix: "gpt-4", window: 8_192, noJSON: true},
	{prefix: "gpt-3.5-turbo", window: 16_385},
	{prefix: "o1-mini", maxOutput: 65_536, noJSON: true},
	{prefix: "o1", window: 200_000, maxOutput: 100_000},
	{prefix: "o3", window: 200_000, maxOutput: 100_000},
}

func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsJSONMode:  true,
		SupportsStreaming: true,
	}
	model = strings.ToLower(model)
	for _, f := range families {
		if !strings.HasPrefix(model, f.prefix) {
			continue
		}
		if f.window > 0 {
			caps.ContextWindow = f.window
		}
		if f.maxOutput > 0 {
			caps.MaxOutputTokens = f.maxOutput
		}
		caps.SupportsJSONMode = !f.noJSON
		break
	}
	return caps
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model)}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return params, fmt.Errorf("openai: message %d: %w", i, err)
		}
		params.Messages = append(params.Messages, msg)
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSONMode {
		params.ResponseFormat.OfJSONObject = &shared.ResponseFormatJSONObjectParam{}
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	var msg oai.ChatCompletionMessageParamUnion
	switch m.Role {
	case "system":
		msg = oai.SystemMessage(m.Content)
	case "user":
		msg = oai.UserMessage(m.Content)
	case "assistant":
		msg = oai.AssistantMessage(m.Content)
	default:
		return msg, fmt.Errorf("unsupported role %q", m.Role)
	}
	if m.Name == "" {
		return msg, nil
	}
	name := oai.String(m.Name)
	switch {
	case msg.OfSystem != nil:
		msg.OfSystem.Name = name
	case msg.OfUser != nil:
		msg.OfUser.Name = name
	case msg.OfAssistant != nil:
		msg.OfAssistant.Name = name
	}
	return msg, nil
}
