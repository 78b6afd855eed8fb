package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/echojourney/pkg/provider/llm"
	llmmock "github.com/MrWong99/echojourney/pkg/provider/llm/mock"
)

func llmPair(openai, ollama *llmmock.Provider) *LLMFallback {
	fb := NewLLMFallback(openai, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	if ollama != nil {
		fb.AddFallback("ollama", ollama)
	}
	return fb
}

func collectChunks(ch <-chan llm.Chunk) (chunks []llm.Chunk, text string) {
	var b strings.Builder
	for c := range ch {
		chunks = append(chunks, c)
		if c.Restart {
			b.Reset()
		}
		b.WriteString(c.Text)
	}
	return chunks, b.String()
}

func TestLLMFallback_Complete(t *testing.T) {
	tests := []struct {
		name       string
		openai     *llmmock.Provider
		ollama     *llmmock.Provider
		want       string
		wantErr    error
		ollamaHits int
	}{
		{
			name:   "primary answers",
			openai: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "你好"}},
			ollama: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "您好"}},
			want:   "你好",
		},
		{
			name:       "fails over",
			openai:     &llmmock.Provider{CompleteErr: errors.New("429 too many requests")},
			ollama:     &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "您好"}},
			want:       "您好",
			ollamaHits: 1,
		},
		{
			name:       "both down",
			openai:     &llmmock.Provider{CompleteErr: errors.New("429 too many requests")},
			ollama:     &llmmock.Provider{CompleteErr: errors.New("connection refused")},
			wantErr:    ErrAllFailed,
			ollamaHits: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := llmPair(tt.openai, tt.ollama).Complete(context.Background(), llm.CompletionRequest{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatal(err)
			} else if resp.Content != tt.want {
				t.Errorf("content = %q, want %q", resp.Content, tt.want)
			}
			if n := len(tt.ollama.CompleteCalls); n != tt.ollamaHits {
				t.Errorf("fallback called %d times, want %d", n, tt.ollamaHits)
			}
		})
	}
}

func TestLLMFallback_Stream(t *testing.T) {
	const reply = `{"teacher":"请再说一遍"}`
	tests := []struct {
		name        string
		openai      *llmmock.Provider
		ollama      *llmmock.Provider
		wantText    string
		wantRestart bool
		wantErrText string
	}{
		{
			name:     "primary streams",
			openai:   &llmmock.Provider{StreamChunks: llmmock.TextReply(reply)},
			ollama:   &llmmock.Provider{},
			wantText: reply,
		},
		{
			name:     "fails before first chunk",
			openai:   &llmmock.Provider{StreamErr: errors.New("dial tcp: timeout")},
			ollama:   &llmmock.Provider{StreamChunks: llmmock.TextReply(reply)},
			wantText: reply,
		},
		{
			name: "breaks mid stream",
			openai: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Role: "assistant", Text: `{"tea`},
				{FinishReason: llm.FinishReasonError, Text: "connection reset"},
			}},
			ollama:      &llmmock.Provider{StreamChunks: llmmock.TextReply(reply)},
			wantText:    reply,
			wantRestart: true,
		},
		{
			name:        "both down",
			openai:      &llmmock.Provider{StreamErr: errors.New("dial tcp: timeout")},
			ollama:      &llmmock.Provider{StreamErr: errors.New("model not loaded")},
			wantErrText: "model not loaded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := llmPair(tt.openai, tt.ollama).StreamCompletion(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatal(err)
			}
			chunks, text := collectChunks(ch)

			last := chunks[len(chunks)-1]
			if tt.wantErrText != "" {
				if len(chunks) != 1 || last.FinishReason != llm.FinishReasonError || !strings.Contains(last.Text, tt.wantErrText) {
					t.Fatalf("chunks = %+v, want one error chunk naming %q", chunks, tt.wantErrText)
				}
				return
			}
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if last.FinishReason != "stop" {
				t.Errorf("last chunk = %+v, want stop", last)
			}
			restarted := false
			for _, c := range chunks {
				restarted = restarted || c.Restart
			}
			if restarted != tt.wantRestart {
				t.Errorf("restart = %v, want %v", restarted, tt.wantRestart)
			}
		})
	}
}

func TestLLMFallback_Metadata(t *testing.T) {
	fb := llmPair(
		&llmmock.Provider{
			CountTokensErr:    errors.New("no tokenizer"),
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, SupportsJSONMode: true},
		},
		&llmmock.Provider{TokenCount: 42},
	)
	n, err := fb.CountTokens([]llm.Message{{Role: "user", Content: "我想喝咖啡"}})
	if err != nil || n != 42 {
		t.Errorf("CountTokens = %d, %v; want 42 from the fallback", n, err)
	}
	if caps := fb.Capabilities(); caps.ContextWindow != 128000 || !caps.SupportsJSONMode {
		t.Errorf("Capabilities = %+v, want the primary's", caps)
	}
	if len(fb.States()) != 2 {
		t.Errorf("States = %v", fb.States())
	}
}
