// Package conversation holds the transcript of one bot role and submits it to
// a language model.
//
// Each bot (scene generator, practice dialogue, corrector, history summary)
// owns its own [Context]. Contexts are independent: they never share turns.
// The transcript is append-only; a submission appends exactly one finalised
// assistant turn once the model's stream has completed.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echojourney/pkg/provider/llm"
)

// Role is the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the transcript.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Name distinguishes several speakers sharing a role. It is forwarded to
	// the model only when set.
	Name string `json:"name,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Completed marks an assistant turn whose stream finished normally.
	Completed bool `json:"completed,omitempty"`
}

// Update is one step of a streaming submission.
type Update struct {
	// Reply is the assistant content accumulated so far.
	Reply string

	// Delta is the fragment that arrived with this update.
	Delta string

	// Restart reports that the backend discarded the partial reply and is
	// resending it. Reply is empty on a restart update.
	Restart bool

	// Done is set on the last update, after the turn was appended.
	Done bool
}

// ResponseFormatError reports a reply that is not the JSON object the bot was
// asked for.
type ResponseFormatError struct {
	Assistant string
	Content   string
	Err       error
}

func (e *ResponseFormatError) Error() string {
	return fmt.Sprintf("conversation: %s: reply is not a JSON object: %v", e.Assistant, e.Err)
}

func (e *ResponseFormatError) Unwrap() error { return e.Err }

// Option configures a Context.
type Option func(*Context)

// WithClock replaces time.Now for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		c.now = now
	}
}

// WithTurns seeds the transcript, e.g. when restoring a saved session.
func WithTurns(turns []Turn) Option {
	return func(c *Context) {
		c.turns = append([]Turn(nil), turns...)
	}
}

// Context is the transcript of one bot role bound to a language model.
//
// All methods are safe for concurrent use, but a Context is meant to be
// driven by one session at a time: two overlapping submissions would both
// append their reply.
type Context struct {
	assistant Assistant
	llm       llm.Provider
	now       func() time.Time

	mu    sync.Mutex
	turns []Turn
}

// New creates an empty Context for assistant backed by provider.
func New(assistant Assistant, provider llm.Provider, opts ...Option) *Context {
	c := &Context{
		assistant: assistant,
		llm:       provider,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Assistant returns the template this context was built from.
func (c *Context) Assistant() Assistant {
	return c.assistant
}

// ---- transcript ------------------------------------------------------------

// AddUser appends a user turn.
func (c *Context) AddUser(content string) {
	c.append(Turn{Role: RoleUser, Content: content})
}

// AddNamedUser appends a user turn attributed to name.
func (c *Context) AddNamedUser(name, content string) {
	c.append(Turn{Role: RoleUser, Content: content, Name: name})
}

// AddAssistant appends an assistant turn that did not come from the model,
// e.g. a fixed greeting that the model must see as its own words.
func (c *Context) AddAssistant(content string) {
	c.append(Turn{Role: RoleAssistant, Content: content, Completed: true})
}

func (c *Context) append(t Turn) Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Timestamp = c.now()
	c.turns = append(c.turns, t)
	return t
}

// Len returns the number of turns in the transcript.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Last returns the content of the most recent turn by role.
func (c *Context) Last(role Role) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == role {
			return c.turns[i].Content, true
		}
	}
	return "", false
}

// Snapshot returns a copy of the transcript.
func (c *Context) Snapshot() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

// Restore replaces the transcript with a copy of turns.
func (c *Context) Restore(turns []Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append([]Turn(nil), turns...)
}

// Clear empties the transcript.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}

// Fork returns a new Context with the same template and a snapshot of the
// transcript. provider replaces the model handle; nil shares this one.
func (c *Context) Fork(provider llm.Provider) *Context {
	if provider == nil {
		provider = c.llm
	}
	return New(c.assistant, provider, WithClock(c.now), WithTurns(c.Snapshot()))
}

// ---- prompt assembly -------------------------------------------------------

// View assembles the messages of the next submission: the system prompt, the
// example turns, then the full transcript or only its last rounds.
//
// A malformed prefix is returned as a *PrefixFormatError.
func (c *Context) View() ([]llm.Message, error) {
	prefix, err := c.assistant.Prefix()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	turns := c.turns
	if c.assistant.CommitLastNRounds {
		if n := c.assistant.KeepRoundNums*2 + 1; n < len(turns) {
			turns = turns[len(turns)-n:]
		}
	}
	msgs := make([]llm.Message, 0, 1+len(prefix)+len(turns))
	msgs = append(msgs, llm.Message{Role: string(RoleSystem), Content: c.assistant.SystemPrompt})
	for _, t := range prefix {
		msgs = append(msgs, t.message())
	}
	for _, t := range turns {
		msgs = append(msgs, t.message())
	}
	c.mu.Unlock()
	return msgs, nil
}

func (t Turn) message() llm.Message {
	return llm.Message{Role: string(t.Role), Content: t.Content, Name: t.Name}
}

// ---- submission ------------------------------------------------------------

// Submit streams the model's reply to the current view. Updates arrive in
// the order the backend produced them and Reply only ever grows, except
// after a Restart update which resets it.
//
// When the stream completes, the reply is appended as one assistant turn
// and a final update with Done set is yielded. Breaking out of the loop early
// cancels the request and appends nothing.
func (c *Context) Submit(ctx context.Context) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		msgs, err := c.View()
		if err != nil {
			yield(Update{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		slog.Debug("submitting conversation", "assistant", c.assistant.Name, "messages", len(msgs))
		ch, err := c.llm.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:    msgs,
			Temperature: c.assistant.Temperature,
			JSONMode:    c.assistant.JSONMode,
		})
		if err != nil {
			yield(Update{}, fmt.Errorf("conversation: %s: start stream: %w", c.assistant.Name, err))
			return
		}

		merged := map[string]any{}
		for chunk := range ch {
			if chunk.Restart {
				merged = map[string]any{}
				if !yield(Update{Restart: true}, nil) {
					return
				}
				continue
			}
			if chunk.FinishReason == llm.FinishReasonError {
				yield(Update{}, fmt.Errorf("conversation: %s: stream: %s", c.assistant.Name, chunk.Text))
				return
			}
			merged = MergeDeltas(merged, chunkDelta(chunk))
			if chunk.Text == "" {
				continue
			}
			if !yield(Update{Reply: contentOf(merged), Delta: chunk.Text}, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(Update{}, fmt.Errorf("conversation: %s: %w", c.assistant.Name, err))
			return
		}

		reply := contentOf(merged)
		c.append(Turn{Role: RoleAssistant, Content: reply, Completed: true})
		yield(Update{Reply: reply, Done: true}, nil)
	}
}

func chunkDelta(c llm.Chunk) map[string]any {
	d := make(map[string]any, 2)
	if c.Role != "" {
		d["role"] = c.Role
	}
	if c.Text != "" {
		d["content"] = c.Text
	}
	return d
}

func contentOf(m map[string]any) string {
	s, _ := m["content"].(string)
	return s
}

// Complete drains Submit and returns the finalised reply.
func (c *Context) Complete(ctx context.Context) (string, error) {
	var reply string
	for u, err := range c.Submit(ctx) {
		if err != nil {
			return "", err
		}
		reply = u.Reply
	}
	return reply, nil
}

// Execute drains Submit and decodes the reply as a JSON object. A reply that
// does not decode is returned as a *ResponseFormatError; the turn has been
// appended regardless.
func (c *Context) Execute(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.ExecuteInto(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteInto is Execute decoding into v.
func (c *Context) ExecuteInto(ctx context.Context, v any) error {
	reply, err := c.Complete(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFence(reply)), v); err != nil {
		slog.Warn("bot produced unusable reply", "assistant", c.assistant.Name, "reply", reply, "err", err)
		return &ResponseFormatError{Assistant: c.assistant.Name, Content: reply, Err: err}
	}
	return nil
}

// stripFence removes a Markdown code fence around a JSON reply.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
