// Package practice tracks a student's progress through the practice plan of
// one scene.
//
// A plan is an ordered list of sentence groups, each split into word units.
// The [Tracker] drills every word of a group, then the whole group as one
// sentence, then moves on to the next group until the plan is exhausted.
//
// A Tracker is not safe for concurrent use. The session orchestrator owns
// exactly one and processes inbound events sequentially.
package practice

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Placeholder texts rendered into bot prompts when a value is unknown.
const (
	None          = "无"
	SceneUnknown  = "尚未确定"
	PlanUndecided = "尚未制定"
)

// Separator joins word units when a group is rendered as a sentence or when
// the practice history is rendered.
const Separator = ","

// Status is the tracker's position in the word → sentence cycle.
type Status int

const (
	// StatusNotStarted means no scene has been established.
	StatusNotStarted Status = iota

	// StatusWord means individual words of the current group are drilled.
	StatusWord

	// StatusSentence means the current group is drilled as a whole.
	StatusSentence
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusWord:
		return "WORD"
	case StatusSentence:
		return "SENTENCE"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Plan is the curriculum of one scene.
type Plan struct {
	// Scene is the topic label. A plan without a scene never starts.
	Scene string `json:"scene"`

	// Sentences holds the sentence groups in drill order.
	Sentences [][]string `json:"sentences"`
}

// ErrNoScene is returned by [PlanFromScene] when the reply carries no scene
// label.
var ErrNoScene = errors.New("practice: reply names no scene")

// legacyGroups is how many numbered sentence keys older scene templates emit.
const legacyGroups = 3

// PlanFromScene builds a Plan from a decoded scene-generator reply. Both the
// {"scene", "sentences"} shape and the legacy {"当前场景", "短句1".."短句3"}
// shape are accepted. Empty word units and empty groups are dropped.
//
// ErrNoScene is returned when no scene label is present; a scene label with
// an unreadable sentence list is returned as a wrapped format error.
func PlanFromScene(reply map[string]any) (Plan, error) {
	var p Plan
	p.Scene = stringField(reply, "scene", "当前场景")
	if p.Scene == "" {
		return Plan{}, ErrNoScene
	}

	if raw, ok := reply["sentences"]; ok {
		groups, err := toGroups(raw)
		if err != nil {
			return Plan{}, fmt.Errorf("practice: sentences: %w", err)
		}
		p.Sentences = groups
	} else {
		for i := 1; i <= legacyGroups; i++ {
			raw, ok := reply["短句"+strconv.Itoa(i)]
			if !ok {
				continue
			}
			words, err := toWords(raw)
			if err != nil {
				return Plan{}, fmt.Errorf("practice: 短句%d: %w", i, err)
			}
			p.Sentences = append(p.Sentences, words)
		}
	}

	p.Sentences = compact(p.Sentences)
	return p, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// toGroups converts a decoded JSON value into sentence groups. A group may be
// either a list of words or a single string that is split on the separator.
func toGroups(raw any) ([][]string, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("want list, got %T", raw)
	}
	out := make([][]string, 0, len(list))
	for i, g := range list {
		words, err := toWords(g)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
		out = append(out, words)
	}
	return out, nil
}

func toWords(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '，' }), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, w := range v {
			s, ok := w.(string)
			if !ok {
				return nil, fmt.Errorf("word unit: want string, got %T", w)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return v, nil
	default:
		return nil, fmt.Errorf("want list of words, got %T", raw)
	}
}

func compact(groups [][]string) [][]string {
	out := groups[:0]
	for _, g := range groups {
		words := g[:0]
		for _, w := range g {
			if w = strings.TrimSpace(w); w != "" {
				words = append(words, w)
			}
		}
		if len(words) > 0 {
			out = append(out, words)
		}
	}
	return out
}

// Tracker walks a Plan. The zero value is a tracker in StatusNotStarted.
type Tracker struct {
	plan     Plan
	status   Status
	sentence int
	word     int
	target   string
}

// NewTracker returns a tracker positioned on the first word of plan. A plan
// without a scene or without sentences leaves the tracker not started.
func NewTracker(plan Plan) *Tracker {
	t := &Tracker{}
	t.Reset(plan)
	return t
}

// Reset replaces the plan wholesale and rewinds the cursor.
func (t *Tracker) Reset(plan Plan) {
	plan.Sentences = compact(cloneGroups(plan.Sentences))
	*t = Tracker{plan: plan}
	if plan.Scene == "" || len(plan.Sentences) == 0 {
		return
	}
	t.status = StatusWord
	t.target = plan.Sentences[0][0]
}

func cloneGroups(groups [][]string) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = append([]string(nil), g...)
	}
	return out
}

// Advance moves the cursor one step and returns the new target. ok is false
// once the plan is exhausted or when the tracker never started.
func (t *Tracker) Advance() (target string, ok bool) {
	switch t.status {
	case StatusNotStarted:
		return "", false
	case StatusSentence:
		t.sentence++
		t.word = 0
		t.status = StatusWord
	case StatusWord:
		if t.sentence >= len(t.plan.Sentences) {
			return "", false
		}
		if t.word < len(t.plan.Sentences[t.sentence])-1 {
			t.word++
		} else {
			t.status = StatusSentence
			t.target = strings.Join(t.plan.Sentences[t.sentence], Separator)
			return t.target, true
		}
	}

	if t.Exhausted() {
		t.target = ""
		return "", false
	}
	t.target = t.plan.Sentences[t.sentence][t.word]
	return t.target, true
}

// Target returns the current drill target, or "" when there is none. It never
// changes tracker state.
func (t *Tracker) Target() string {
	return t.target
}

// TargetOrNone is Target with the prompt placeholder for an empty target.
func (t *Tracker) TargetOrNone() string {
	if t.target == "" {
		return None
	}
	return t.target
}

// Status reports the tracker's position in the word → sentence cycle.
func (t *Tracker) Status() Status {
	return t.status
}

// Exhausted reports whether the cursor has run past the last group. A tracker
// that never started is not exhausted.
func (t *Tracker) Exhausted() bool {
	return t.status != StatusNotStarted && t.sentence >= len(t.plan.Sentences)
}

// Started reports whether a scene has been established.
func (t *Tracker) Started() bool {
	return t.status != StatusNotStarted
}

// Scene returns the scene label or the SceneUnknown placeholder.
func (t *Tracker) Scene() string {
	if t.plan.Scene == "" {
		return SceneUnknown
	}
	return t.plan.Scene
}

// Plan returns a copy of the plan being tracked.
func (t *Tracker) Plan() Plan {
	return Plan{Scene: t.plan.Scene, Sentences: cloneGroups(t.plan.Sentences)}
}

// PlanText renders every word of the plan in order, or None without a plan.
func (t *Tracker) PlanText() string {
	if len(t.plan.Sentences) == 0 {
		return None
	}
	var all []string
	for _, g := range t.plan.Sentences {
		all = append(all, g...)
	}
	return strings.Join(all, Separator)
}

// History renders every word drilled strictly before the cursor, or None
// without a plan. The result is empty on the very first word.
func (t *Tracker) History() string {
	if len(t.plan.Sentences) == 0 {
		return None
	}
	var done []string
	last := min(t.sentence, len(t.plan.Sentences))
	for _, g := range t.plan.Sentences[:last] {
		done = append(done, g...)
	}
	if t.sentence < len(t.plan.Sentences) {
		done = append(done, t.plan.Sentences[t.sentence][:t.word]...)
	}
	return strings.Join(done, Separator)
}

// Sentence renders the current group as one sentence, or PlanUndecided
// without a plan. It returns "" once the plan is exhausted.
func (t *Tracker) Sentence() string {
	if len(t.plan.Sentences) == 0 {
		return PlanUndecided
	}
	if t.sentence >= len(t.plan.Sentences) {
		return ""
	}
	return strings.Join(t.plan.Sentences[t.sentence], Separator)
}

// MaxSteps is the number of Advance calls after which any plan is exhausted:
// one per word plus one per sentence.
func (p Plan) MaxSteps() int {
	n := len(p.Sentences)
	for _, g := range p.Sentences {
		n += len(g)
	}
	return n
}
