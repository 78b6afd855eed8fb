// Package review turns a student's learning history into the session greeting
// and the challenge title shown on the client's home screen.
//
// The greeting runs the embedded review graph: the history bot summarises
// yesterday's mistakes and decides whether a new challenge title is due, in
// which case the title bot writes one from the latest mistake.
package review

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/MrWong99/echojourney/internal/conversation"
	"github.com/MrWong99/echojourney/internal/flow"
	"github.com/MrWong99/echojourney/internal/ledger"
	"github.com/MrWong99/echojourney/pkg/provider/llm"
)

//go:embed graphs/greeting.yaml
var greetingGraph []byte

// Fixed texts.
const (
	// TopicQuestion opens a session of a student without usable history.
	TopicQuestion = "那你今天有什么想聊的话题呢？可以跟我说说，如果没什么的想法的话我就给你推荐几个日常的呀"

	// DefaultTitle is shown while no new mistake was recorded since the
	// last refresh.
	DefaultTitle = "奖励你一个大挑战？"

	// PracticeFirstTitle is shown to students without any mistake.
	PracticeFirstTitle = "先去瓜瓜那里练练啊，等练完我赏你个大挑战"
)

// Greeting is the opening of a session.
type Greeting struct {
	// Text is addressed to the student.
	Text string

	// Title is a fresh challenge title, empty unless the history bot asked
	// for one.
	Title string
}

// Option configures a Reviewer.
type Option func(*Reviewer)

// WithRand sets the source used to pick the mistake a title is built on.
func WithRand(rng *rand.Rand) Option {
	return func(r *Reviewer) {
		r.rng = rng
	}
}

// Reviewer builds greetings and titles. It is safe for concurrent use.
type Reviewer struct {
	ledger  *ledger.Ledger
	history conversation.Assistant
	title   conversation.Assistant
	llm     llm.Provider
	graph   flow.Graph

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Reviewer reading from l. history and title are the bot
// templates; both bots run on p.
func New(l *ledger.Ledger, history, title conversation.Assistant, p llm.Provider, opts ...Option) (*Reviewer, error) {
	g, err := flow.LoadGraphBytes(greetingGraph)
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}
	r := &Reviewer{
		ledger:  l,
		history: history,
		title:   title,
		llm:     p,
		graph:   g,
	}
	for _, o := range opts {
		o(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return r, nil
}

func (r *Reviewer) latestMistake(rep *ledger.Report) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rep.LatestMistake(r.rng)
}

// Greet builds the opening of a session for user. A student without any
// history gets [TopicQuestion] without a model call.
func (r *Reviewer) Greet(ctx context.Context, user string) (Greeting, error) {
	rep, err := r.ledger.Report(ctx, user)
	if err != nil {
		return Greeting{}, err
	}
	if rep.Empty() {
		return Greeting{Text: TopicQuestion}, nil
	}

	mistake, ok := r.latestMistake(rep)
	if !ok {
		mistake = ledger.NoHistory
	}
	contexts := map[string]*conversation.Context{
		r.history.Name: conversation.New(r.history, r.llm),
		r.title.Name:   conversation.New(r.title, r.llm),
	}
	runner, err := flow.NewRunner(r.graph, contexts, nil)
	if err != nil {
		return Greeting{}, fmt.Errorf("review: %w", err)
	}
	res, err := runner.Run(ctx, map[string]string{
		"REPORT":  weaknessOrNone(rep),
		"MISTAKE": mistake,
	})
	if err != nil {
		return Greeting{}, fmt.Errorf("review: greet: %w", err)
	}

	g := Greeting{Text: flow.Text(res.Results[r.history.Name]["teacher"])}
	if g.Text == "" {
		g.Text = TopicQuestion
	}
	if out, ok := res.Results[r.title.Name]; ok {
		g.Title = flow.Text(out["talk"])
		if err := r.ledger.MarkTitleUpdated(ctx, user); err != nil {
			slog.Warn("failed to mark title refreshed", "user_id", user, "err", err)
		}
	}
	return g, nil
}

func weaknessOrNone(rep *ledger.Report) string {
	if w := rep.Weakness(); w != "" {
		return w
	}
	return ledger.NoHistory
}

// Title returns the challenge title for user. A new title is generated only
// when a mistake was recorded after the previous refresh.
func (r *Reviewer) Title(ctx context.Context, user string) (string, error) {
	rep, err := r.ledger.Report(ctx, user)
	if err != nil {
		return "", err
	}
	mistake, ok := r.latestMistake(rep)
	if !ok {
		return PracticeFirstTitle, nil
	}
	if !rep.ShouldRefreshTitle() {
		return DefaultTitle, nil
	}

	c := conversation.New(r.title, r.llm)
	c.AddUser(r.title.Prompt(map[string]string{"MISTAKE": mistake}))
	var reply struct {
		Talk string `json:"talk"`
	}
	if err := c.ExecuteInto(ctx, &reply); err != nil {
		return "", fmt.Errorf("review: title: %w", err)
	}
	if reply.Talk == "" {
		return DefaultTitle, nil
	}
	if err := r.ledger.MarkTitleUpdated(ctx, user); err != nil {
		return "", fmt.Errorf("review: title: %w", err)
	}
	return reply.Talk, nil
}
