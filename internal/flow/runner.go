package flow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echojourney/internal/conversation"
)

const defaultMaxSteps = 32

// State is what transforms see during a run. Contexts are forks owned by
// the run; Results holds the latest JSON reply per assistant.
type State struct {
	// Input is the caller-supplied variables of this run.
	Input map[string]string

	// Node is the id of the node being processed.
	Node string

	// Assistants lists the assistants of the current node.
	Assistants []string

	Contexts map[string]*conversation.Context
	Results  map[string]map[string]any
}

// Transform mutates the run state before or after a node executes.
type Transform func(st *State) error

// Registry maps transform names to functions. The zero value is empty;
// [NewRegistry] returns one holding the built-ins.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Transform
}

// Built-in transform names.
const (
	// TransformUserMessage appends the node assistants' user prompt, filled
	// from the run input, to each of their contexts.
	TransformUserMessage = "user_message"

	// TransformForwardResults appends the previous results, as JSON, to each
	// node assistant's context as a user turn.
	TransformForwardResults = "forward_results"

	// TransformClear empties the node assistants' contexts.
	TransformClear = "clear"
)

// NewRegistry returns a Registry holding the built-in transforms.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(TransformUserMessage, userMessage)
	r.Register(TransformForwardResults, forwardResults)
	r.Register(TransformClear, clearContexts)
	return r
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs == nil {
		r.funcs = make(map[string]Transform)
	}
	r.funcs[name] = fn
}

// Lookup returns the transform bound to name.
func (r *Registry) Lookup(name string) (Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

func userMessage(st *State) error {
	for _, name := range st.Assistants {
		c := st.Contexts[name]
		c.AddUser(c.Assistant().Prompt(st.Input))
	}
	return nil
}

func forwardResults(st *State) error {
	payload := Text(anyResults(st.Results))
	for _, name := range st.Assistants {
		st.Contexts[name].AddUser(payload)
	}
	return nil
}

func anyResults(in map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clearContexts(st *State) error {
	for _, name := range st.Assistants {
		st.Contexts[name].Clear()
	}
	return nil
}

// Runner executes a Graph over a set of named conversation contexts. Run is
// not safe for concurrent use on one Runner.
type Runner struct {
	graph    Graph
	contexts map[string]*conversation.Context
	registry *Registry
}

// NewRunner binds graph to contexts. Every assistant and transform named by
// the graph must resolve; a nil registry means [NewRegistry].
func NewRunner(graph Graph, contexts map[string]*conversation.Context, registry *Registry) (*Runner, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry()
	}
	for _, a := range graph.assistants() {
		if contexts[a] == nil {
			return nil, fmt.Errorf("flow: graph %q: assistant %q is not bound", graph.Name, a)
		}
	}
	for _, n := range graph.Nodes {
		for _, t := range []string{n.Preprocess, n.Postprocess} {
			if t == "" {
				continue
			}
			if _, ok := registry.Lookup(t); !ok {
				return nil, fmt.Errorf("flow: graph %q: node %q: unknown transform %q", graph.Name, n.ID, t)
			}
		}
	}
	if graph.MaxSteps == 0 {
		graph.MaxSteps = defaultMaxSteps
	}
	return &Runner{graph: graph, contexts: maps.Clone(contexts), registry: registry}, nil
}

// Result is the outcome of one run.
type Result struct {
	// Path lists the visited node ids in order.
	Path []string

	// Results holds the latest JSON reply of every assistant that ran.
	Results map[string]map[string]any
}

// Run walks the graph from its start node. Each node's assistants are
// submitted concurrently and all must finish before the next edge is chosen.
//
// The run works on forks of the bound contexts. Their transcripts are
// written back only when the whole run succeeds, so a failed run leaves the
// bound contexts untouched.
func (r *Runner) Run(ctx context.Context, input map[string]string) (*Result, error) {
	st := &State{
		Input:    input,
		Contexts: make(map[string]*conversation.Context, len(r.contexts)),
		Results:  make(map[string]map[string]any),
	}
	for name, c := range r.contexts {
		st.Contexts[name] = c.Fork(nil)
	}

	res := &Result{}
	current := r.graph.Start
	for steps := 0; current != ""; steps++ {
		if steps >= r.graph.MaxSteps {
			return nil, fmt.Errorf("flow: graph %q: exceeded %d steps", r.graph.Name, r.graph.MaxSteps)
		}
		node, _ := r.graph.node(current)
		res.Path = append(res.Path, node.ID)
		st.Node = node.ID
		st.Assistants = node.Assistants

		if err := r.apply(node.Preprocess, st); err != nil {
			return nil, fmt.Errorf("flow: node %q: preprocess: %w", node.ID, err)
		}
		if err := r.execute(ctx, node, st); err != nil {
			return nil, fmt.Errorf("flow: node %q: %w", node.ID, err)
		}
		if err := r.apply(node.Postprocess, st); err != nil {
			return nil, fmt.Errorf("flow: node %q: postprocess: %w", node.ID, err)
		}
		current = r.next(node.ID, st.Results)
	}

	for name, fork := range st.Contexts {
		r.contexts[name].Restore(fork.Snapshot())
	}
	res.Results = st.Results
	slog.Debug("flow finished", "graph", r.graph.Name, "path", res.Path)
	return res, nil
}

func (r *Runner) apply(name string, st *State) error {
	if name == "" {
		return nil
	}
	fn, _ := r.registry.Lookup(name)
	return fn(st)
}

func (r *Runner) execute(ctx context.Context, node Node, st *State) error {
	replies := make([]map[string]any, len(node.Assistants))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range node.Assistants {
		c := st.Contexts[name]
		g.Go(func() error {
			out, err := c.Execute(gctx)
			if err != nil {
				return err
			}
			replies[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, name := range node.Assistants {
		st.Results[name] = replies[i]
	}
	return nil
}

func (r *Runner) next(from string, results map[string]map[string]any) string {
	for _, e := range r.graph.Edges {
		if e.From == from && e.When.Eval(results) {
			return e.To
		}
	}
	return ""
}

// Assistants returns the names of the bound contexts in sorted order.
func (r *Runner) Assistants() []string {
	return slices.Sorted(maps.Keys(r.contexts))
}
