// Package mock is a scripted [llm.Provider] for tests.
//
// Each StreamCompletion call pops the next entry of Replies, then falls back
// to StreamChunks, so one mock can play every turn of a conversation:
//
//	p := &mock.Provider{Replies: [][]llm.Chunk{
//	    mock.TextReply(`{"teacher":"你好"}`),
//	    mock.TextReply(`{"teacher":"再来一次"}`),
//	}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/echojourney/pkg/provider/llm"
)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider records requests and answers from its script. Unset fields
// produce zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	Replies      [][]llm.Chunk
	StreamChunks []llm.Chunk
	StreamErr    error

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	TokenCount        int
	CountTokensErr    error
	ModelCapabilities llm.ModelCapabilities

	StreamCalls   []Call
	CompleteCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

// TextReply splits text over two content chunks and a stop chunk.
func TextReply(text string) []llm.Chunk {
	r := []rune(text)
	half := len(r) / 2
	return []llm.Chunk{
		{Role: "assistant", Text: string(r[:half])},
		{Text: string(r[half:])},
		{FinishReason: "stop"},
	}
}

func (p *Provider) next() []llm.Chunk {
	if len(p.Replies) == 0 {
		return slices.Clone(p.StreamChunks)
	}
	reply := p.Replies[0]
	p.Replies = p.Replies[1:]
	return slices.Clone(reply)
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if err := p.StreamErr; err != nil {
		p.mu.Unlock()
		return nil, err
	}
	chunks := p.next()
	p.mu.Unlock()

	out := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

func (p *Provider) CountTokens([]llm.Message) (int, error) {
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	return p.TokenCount, nil
}

func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// Calls snapshots StreamCalls under the lock.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}
