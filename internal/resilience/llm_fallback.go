package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/echojourney/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that spreads calls over several chat
// backends, each behind its own breaker.
//
// Streams are covered end to end: when a backend breaks after it already
// delivered part of a reply, the consumer receives a chunk with Restart set
// and the reply is regenerated from the beginning by the next healthy backend.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates a fallback whose first backend is primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend tried after all earlier ones.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// States reports the breaker state of each backend by name.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// Complete returns the reply of the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion streams the reply of the first healthy provider. Failures
// before the first chunk fall through silently; failures after it are
// announced with a Restart chunk before the next backend takes over. When
// every backend fails the stream ends with a [llm.FinishReasonError] chunk.
//
// The error return is always nil; it exists to satisfy [llm.Provider].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk, 16)

	send := func(c llm.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		dirty := false
		_, err := ExecuteNamed(f.group, func(name string, p llm.Provider) (struct{}, error) {
			if dirty {
				if !send(llm.Chunk{Restart: true}) {
					return struct{}{}, ctx.Err()
				}
				dirty = false
			}
			ch, err := p.StreamCompletion(ctx, req)
			if err != nil {
				return struct{}{}, err
			}
			for c := range ch {
				if c.FinishReason == llm.FinishReasonError {
					for range ch {
					}
					return struct{}{}, fmt.Errorf("llm %s: stream broke: %s", name, c.Text)
				}
				if !send(c) {
					for range ch {
					}
					return struct{}{}, ctx.Err()
				}
				dirty = true
			}
			return struct{}{}, ctx.Err()
		})
		if err != nil && ctx.Err() == nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		}
	}()
	return out, nil
}

// CountTokens asks the first healthy backend.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's model; it never fails over.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
