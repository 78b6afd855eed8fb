// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API (OpenAI, or any backend reachable
// through any-llm-go) and exposes a uniform streaming interface to the tutoring
// bots without coupling them to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishReasonError is the FinishReason carried by the chunk that reports a
// failure after the stream was opened. The chunk's Text holds the error message.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, system turn included when the
	// caller assembles it itself.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero keeps
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction prepended as a "system" message.
	SystemPrompt string

	// JSONMode asks the backend to answer with a single JSON object. Backends
	// without a native switch rely on the prompt alone.
	JSONMode bool
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Role is set on the first chunk of a reply (usually "assistant").
	Role string

	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// [FinishReasonError] when the stream broke.
	FinishReason string

	// Restart tells the consumer that everything received so far is void and
	// the reply is being resent from the beginning.
	Restart bool
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed when generation finishes
	// or ctx is cancelled.
	//
	// Errors after the channel is opened are surfaced as a Chunk with
	// FinishReason [FinishReasonError]; the error return is non-nil only when the
	// stream could not be started. The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume. The result
	// need not be exact but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}

// EstimateTokens is the shared rough estimate used by providers without a
// tokeniser: about four bytes per token plus a per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+len(m.Name)+3)/4 + 4
	}
	return total
}
