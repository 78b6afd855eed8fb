// Package flow runs a small graph of bot calls.
//
// A [Graph] is static data: nodes name the assistants they run and the
// transforms applied before and after, edges carry a declarative
// [Predicate] over the results of the node they leave. Behaviour is never
// embedded in the data itself; transforms are Go functions registered by
// name in a [Registry] and predicates are interpreted by this package.
//
// Graphs are usually authored in YAML:
//
//	name: review
//	start: history
//	nodes:
//	  - id: history
//	    assistants: [history]
//	    preprocess: user_message
//	  - id: title
//	    assistants: [title]
//	    preprocess: user_message
//	edges:
//	  - from: history
//	    to: title
//	    when: {op: exists, assistant: history, field: teacher}
package flow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Graph is the static description of a flow.
type Graph struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`

	Nodes []Node `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`

	// MaxSteps bounds the number of nodes one run may visit, which guards
	// against cycles whose predicates never fail. Zero means 32.
	MaxSteps int `yaml:"max_steps"`
}

// Node runs its assistants concurrently and joins their results.
type Node struct {
	ID string `yaml:"id"`

	// Assistants lists the names of the conversation contexts run by this
	// node. Every name must be bound when the Runner is created.
	Assistants []string `yaml:"assistants"`

	// Preprocess and Postprocess select registered transforms. Empty means
	// none.
	Preprocess  string `yaml:"preprocess"`
	Postprocess string `yaml:"postprocess"`
}

// Edge leads from one node to another when its predicate holds. Outgoing
// edges are tried in declaration order and the first match wins.
type Edge struct {
	From string    `yaml:"from"`
	To   string    `yaml:"to"`
	When Predicate `yaml:"when"`
}

// LoadGraph decodes a graph from r and validates its structure. Unknown keys
// are rejected.
func LoadGraph(r io.Reader) (Graph, error) {
	var g Graph
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return Graph{}, fmt.Errorf("flow: decode graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return Graph{}, err
	}
	return g, nil
}

// LoadGraphBytes is LoadGraph over an in-memory document.
func LoadGraphBytes(data []byte) (Graph, error) {
	return LoadGraph(bytes.NewReader(data))
}

// Validate checks that every reference in the graph resolves and that every
// predicate is well-formed. All problems are reported together.
func (g Graph) Validate() error {
	var errs []error
	ids := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		switch {
		case n.ID == "":
			errs = append(errs, fmt.Errorf("node %d: id is required", i))
		case ids[n.ID]:
			errs = append(errs, fmt.Errorf("node %q: duplicate id", n.ID))
		}
		ids[n.ID] = true
		if len(n.Assistants) == 0 {
			errs = append(errs, fmt.Errorf("node %q: at least one assistant is required", n.ID))
		}
		seen := make(map[string]bool, len(n.Assistants))
		for _, a := range n.Assistants {
			if seen[a] {
				errs = append(errs, fmt.Errorf("node %q: assistant %q listed twice", n.ID, a))
			}
			seen[a] = true
		}
	}
	if !ids[g.Start] {
		errs = append(errs, fmt.Errorf("start node %q does not exist", g.Start))
	}
	for i, e := range g.Edges {
		if !ids[e.From] {
			errs = append(errs, fmt.Errorf("edge %d: unknown from node %q", i, e.From))
		}
		if !ids[e.To] {
			errs = append(errs, fmt.Errorf("edge %d: unknown to node %q", i, e.To))
		}
		if err := e.When.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("edge %d: %w", i, err))
		}
	}
	if g.MaxSteps < 0 {
		errs = append(errs, errors.New("max_steps must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("flow: graph %q: %w", g.Name, err)
	}
	return nil
}

func (g Graph) node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

func (g Graph) assistants() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range g.Nodes {
		for _, a := range n.Assistants {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// ---- predicates ------------------------------------------------------------

// Op is a predicate operator.
type Op string

const (
	OpAlways    Op = "always"
	OpEquals    Op = "equals"
	OpNotEquals Op = "not_equals"
	OpMatches   Op = "matches"
	OpExists    Op = "exists"
)

// Predicate tests one field of one assistant's latest JSON result. The zero
// value always holds.
type Predicate struct {
	Op Op `yaml:"op"`

	// Assistant names whose result is inspected.
	Assistant string `yaml:"assistant"`

	// Field is a dot-separated path into the result object, e.g. "plan.scene".
	Field string `yaml:"field"`

	// Value is compared against the field rendered as text by equals and
	// not_equals, and is a regular expression for matches.
	Value string `yaml:"value"`
}

// Validate reports an unknown operator, a missing field or a bad pattern.
func (p Predicate) Validate() error {
	switch p.Op {
	case "", OpAlways:
		return nil
	case OpEquals, OpNotEquals, OpExists:
	case OpMatches:
		if _, err := regexp.Compile(p.Value); err != nil {
			return fmt.Errorf("predicate: bad pattern: %w", err)
		}
	default:
		return fmt.Errorf("predicate: unknown op %q", p.Op)
	}
	if p.Assistant == "" || p.Field == "" {
		return fmt.Errorf("predicate %s: assistant and field are required", p.Op)
	}
	return nil
}

// Eval applies the predicate to the per-assistant results of a node.
func (p Predicate) Eval(results map[string]map[string]any) bool {
	if p.Op == "" || p.Op == OpAlways {
		return true
	}
	v, ok := Lookup(results[p.Assistant], p.Field)
	switch p.Op {
	case OpExists:
		return ok && v != nil
	case OpEquals:
		return ok && Text(v) == p.Value
	case OpNotEquals:
		return !ok || Text(v) != p.Value
	case OpMatches:
		if !ok {
			return false
		}
		re, err := regexp.Compile(p.Value)
		return err == nil && re.MatchString(Text(v))
	}
	return false
}
