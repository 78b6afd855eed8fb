package flow_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/MrWong99/echojourney/internal/conversation"
	"github.com/MrWong99/echojourney/internal/flow"
	"github.com/MrWong99/echojourney/pkg/provider/llm/mock"
)

const reviewGraph = `
name: review
start: history
nodes:
  - id: history
    assistants: [history]
    preprocess: user_message
  - id: title
    assistants: [title, card]
    preprocess: forward_results
edges:
  - from: history
    to: title
    when: {op: equals, assistant: history, field: needs_title, value: "true"}
`

func bot(name, prompt string, replies ...string) (*conversation.Context, *mock.Provider) {
	p := &mock.Provider{}
	for _, r := range replies {
		p.Replies = append(p.Replies, mock.TextReply(r))
	}
	a := conversation.Assistant{Name: name, SystemPrompt: name, UserPromptPrefix: prompt, JSONMode: true}
	return conversation.New(a, p), p
}

func TestLoadGraph(t *testing.T) {
	g, err := flow.LoadGraph(strings.NewReader(reviewGraph))
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if g.Start != "history" || len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Errorf("graph = %+v", g)
	}
	if g.Edges[0].When.Op != flow.OpEquals {
		t.Errorf("edge op = %q", g.Edges[0].When.Op)
	}
}

func TestGraphValidate(t *testing.T) {
	node := func(id string, assistants ...string) flow.Node {
		return flow.Node{ID: id, Assistants: assistants}
	}
	tests := []struct {
		name    string
		g       flow.Graph
		wantErr string
	}{
		{name: "ok", g: flow.Graph{Start: "a", Nodes: []flow.Node{node("a", "x")}}},
		{name: "missing start", g: flow.Graph{Start: "zz", Nodes: []flow.Node{node("a", "x")}}, wantErr: "start node"},
		{name: "duplicate node", g: flow.Graph{Start: "a", Nodes: []flow.Node{node("a", "x"), node("a", "y")}}, wantErr: "duplicate id"},
		{name: "no assistants", g: flow.Graph{Start: "a", Nodes: []flow.Node{node("a")}}, wantErr: "at least one assistant"},
		{name: "assistant twice", g: flow.Graph{Start: "a", Nodes: []flow.Node{node("a", "x", "x")}}, wantErr: "listed twice"},
		{
			name: "dangling edge",
			g: flow.Graph{Start: "a", Nodes: []flow.Node{node("a", "x")},
				Edges: []flow.Edge{{From: "a", To: "b"}}},
			wantErr: "unknown to node",
		},
		{
			name: "bad predicate",
			g: flow.Graph{Start: "a", Nodes: []flow.Node{node("a", "x")},
				Edges: []flow.Edge{{From: "a", To: "a", When: flow.Predicate{Op: "eval", Assistant: "x", Field: "f"}}}},
			wantErr: "unknown op",
		},
		{
			name: "bad pattern",
			g: flow.Graph{Start: "a", Nodes: []flow.Node{node("a", "x")},
				Edges: []flow.Edge{{From: "a", To: "a", When: flow.Predicate{Op: flow.OpMatches, Assistant: "x", Field: "f", Value: "("}}}},
			wantErr: "bad pattern",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.g.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPredicateEval(t *testing.T) {
	results := map[string]map[string]any{
		"practice": {
			"skip":         true,
			"change_scene": false,
			"score":        float64(92),
			"teacher":      "很好",
			"plan":         map[string]any{"scene": "咖啡店"},
			"empty":        nil,
		},
	}
	tests := []struct {
		name string
		p    flow.Predicate
		want bool
	}{
		{"zero value", flow.Predicate{}, true},
		{"always", flow.Predicate{Op: flow.OpAlways}, true},
		{"equals bool", flow.Predicate{Op: flow.OpEquals, Assistant: "practice", Field: "skip", Value: "true"}, true},
		{"equals number", flow.Predicate{Op: flow.OpEquals, Assistant: "practice", Field: "score", Value: "92"}, true},
		{"equals nested", flow.Predicate{Op: flow.OpEquals, Assistant: "practice", Field: "plan.scene", Value: "咖啡店"}, true},
		{"equals mismatch", flow.Predicate{Op: flow.OpEquals, Assistant: "practice", Field: "change_scene", Value: "true"}, false},
		{"equals missing", flow.Predicate{Op: flow.OpEquals, Assistant: "practice", Field: "nope", Value: ""}, false},
		{"not equals", flow.Predicate{Op: flow.OpNotEquals, Assistant: "practice", Field: "change_scene", Value: "true"}, true},
		{"not equals missing", flow.Predicate{Op: flow.OpNotEquals, Assistant: "practice", Field: "nope", Value: "x"}, true},
		{"matches", flow.Predicate{Op: flow.OpMatches, Assistant: "practice", Field: "score", Value: `^9\d$`}, true},
		{"matches missing", flow.Predicate{Op: flow.OpMatches, Assistant: "practice", Field: "nope", Value: `.*`}, false},
		{"exists", flow.Predicate{Op: flow.OpExists, Assistant: "practice", Field: "teacher"}, true},
		{"exists null", flow.Predicate{Op: flow.OpExists, Assistant: "practice", Field: "empty"}, false},
		{"exists other assistant", flow.Predicate{Op: flow.OpExists, Assistant: "scene", Field: "teacher"}, false},
		{"path through scalar", flow.Predicate{Op: flow.OpExists, Assistant: "practice", Field: "teacher.x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Eval(results); got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunner_WalksGraph(t *testing.T) {
	g, err := flow.LoadGraphBytes([]byte(reviewGraph))
	if err != nil {
		t.Fatal(err)
	}
	history, hp := bot("history", "昨日: {REPORT}", `{"teacher":"早上好","needs_title":true}`)
	title, tp := bot("title", "", `{"talk":"挑战一下？"}`)
	card, _ := bot("card", "", `{"cards":["b","p"]}`)

	r, err := flow.NewRunner(g, map[string]*conversation.Context{
		"history": history, "title": title, "card": card,
	}, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	res, err := r.Run(context.Background(), map[string]string{"REPORT": "声母f错误读成了h"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"history", "title"}; !reflect.DeepEqual(res.Path, want) {
		t.Errorf("Path = %v, want %v", res.Path, want)
	}
	if res.Results["title"]["talk"] != "挑战一下？" {
		t.Errorf("title result = %v", res.Results["title"])
	}
	if _, ok := res.Results["card"]["cards"]; !ok {
		t.Errorf("card result = %v", res.Results["card"])
	}

	userMsg := hp.Calls()[0].Req.Messages[1]
	if userMsg.Content != "昨日: 声母f错误读成了h" {
		t.Errorf("history prompt = %q", userMsg.Content)
	}
	forwarded := tp.Calls()[0].Req.Messages[1].Content
	if !strings.Contains(forwarded, "早上好") {
		t.Errorf("title node did not see forwarded results: %q", forwarded)
	}

	if history.Len() != 2 || title.Len() != 2 {
		t.Errorf("bound transcripts not committed: history=%d title=%d", history.Len(), title.Len())
	}
}

func TestRunner_StopsWhenNoEdgeMatches(t *testing.T) {
	g, _ := flow.LoadGraphBytes([]byte(reviewGraph))
	history, _ := bot("history", "x", `{"teacher":"早","needs_title":false}`)
	title, tp := bot("title", "")
	card, _ := bot("card", "")

	r, err := flow.NewRunner(g, map[string]*conversation.Context{"history": history, "title": title, "card": card}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.Path, []string{"history"}) {
		t.Errorf("Path = %v", res.Path)
	}
	if len(tp.Calls()) != 0 {
		t.Error("title bot must not run")
	}
}

func TestRunner_FailureLeavesContextsUntouched(t *testing.T) {
	g, _ := flow.LoadGraphBytes([]byte(reviewGraph))
	history, _ := bot("history", "x", `{"needs_title":true}`)
	title, _ := bot("title", "", `not json`)
	card, _ := bot("card", "", `{}`)
	history.AddUser("earlier")

	r, _ := flow.NewRunner(g, map[string]*conversation.Context{"history": history, "title": title, "card": card}, nil)
	_, err := r.Run(context.Background(), nil)
	var rfe *conversation.ResponseFormatError
	if !errors.As(err, &rfe) {
		t.Fatalf("Run error = %v, want *ResponseFormatError", err)
	}
	if history.Len() != 1 || title.Len() != 0 {
		t.Errorf("contexts mutated by failed run: history=%d title=%d", history.Len(), title.Len())
	}
}

func TestRunner_CycleIsBounded(t *testing.T) {
	g := flow.Graph{
		Name:     "loop",
		Start:    "a",
		MaxSteps: 3,
		Nodes:    []flow.Node{{ID: "a", Assistants: []string{"x"}}},
		Edges:    []flow.Edge{{From: "a", To: "a"}},
	}
	p := &mock.Provider{StreamChunks: mock.TextReply(`{}`)}
	x := conversation.New(conversation.Assistant{Name: "x"}, p)

	r, err := flow.NewRunner(g, map[string]*conversation.Context{"x": x}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "exceeded 3 steps") {
		t.Fatalf("Run error = %v", err)
	}
	if len(p.Calls()) != 3 {
		t.Errorf("model calls = %d, want 3", len(p.Calls()))
	}
}

func TestNewRunner_Errors(t *testing.T) {
	g := flow.Graph{Start: "a", Nodes: []flow.Node{{ID: "a", Assistants: []string{"x"}, Preprocess: "exec_python"}}}
	x, _ := bot("x", "")

	if _, err := flow.NewRunner(g, map[string]*conversation.Context{}, nil); err == nil {
		t.Error("expected error for unbound assistant")
	}
	if _, err := flow.NewRunner(g, map[string]*conversation.Context{"x": x}, nil); err == nil {
		t.Error("expected error for unknown transform")
	}

	reg := flow.NewRegistry()
	var called bool
	reg.Register("exec_python", func(st *flow.State) error {
		called = true
		st.Contexts["x"].AddUser("custom")
		return nil
	})
	x2, _ := bot("x", "", `{}`)
	r, err := flow.NewRunner(g, map[string]*conversation.Context{"x": x2}, reg)
	if err != nil {
		t.Fatalf("NewRunner with custom transform: %v", err)
	}
	if _, err := r.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Error("custom transform not called")
	}
	if got := r.Assistants(); !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("Assistants() = %v", got)
	}
}

func TestRunner_ClearTransform(t *testing.T) {
	g := flow.Graph{Start: "a", Nodes: []flow.Node{{ID: "a", Assistants: []string{"x"}, Postprocess: flow.TransformClear}}}
	x, _ := bot("x", "", `{}`)
	x.AddUser("hello")
	r, _ := flow.NewRunner(g, map[string]*conversation.Context{"x": x}, nil)
	if _, err := r.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if x.Len() != 0 {
		t.Errorf("Len = %d, want 0 after clear", x.Len())
	}
}
