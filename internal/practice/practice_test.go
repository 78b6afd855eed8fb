package practice_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/MrWong99/echojourney/internal/practice"
)

func coffeePlan() practice.Plan {
	return practice.Plan{
		Scene: "咖啡店",
		Sentences: [][]string{
			{"我要", "一杯", "咖啡"},
			{"谢谢"},
		},
	}
}

func TestTracker_Walk(t *testing.T) {
	tr := practice.NewTracker(coffeePlan())

	type step struct {
		target  string
		ok      bool
		status  practice.Status
		history string
	}
	want := []step{
		{"一杯", true, practice.StatusWord, "我要"},
		{"咖啡", true, practice.StatusWord, "我要,一杯"},
		{"我要,一杯,咖啡", true, practice.StatusSentence, "我要,一杯"},
		{"谢谢", true, practice.StatusWord, "我要,一杯,咖啡"},
		{"谢谢", true, practice.StatusSentence, "我要,一杯,咖啡"},
		{"", false, practice.StatusWord, "我要,一杯,咖啡,谢谢"},
	}

	if tr.Target() != "我要" || tr.History() != "" {
		t.Fatalf("initial target=%q history=%q", tr.Target(), tr.History())
	}
	for i, w := range want {
		got, ok := tr.Advance()
		if got != w.target || ok != w.ok {
			t.Fatalf("step %d: Advance() = (%q, %v), want (%q, %v)", i, got, ok, w.target, w.ok)
		}
		if tr.Status() != w.status {
			t.Errorf("step %d: status = %v, want %v", i, tr.Status(), w.status)
		}
		if h := tr.History(); h != w.history {
			t.Errorf("step %d: history = %q, want %q", i, h, w.history)
		}
	}
	if !tr.Exhausted() {
		t.Error("tracker should be exhausted")
	}
	if tr.Target() != "" || tr.TargetOrNone() != practice.None {
		t.Errorf("exhausted target = %q / %q", tr.Target(), tr.TargetOrNone())
	}
	if _, ok := tr.Advance(); ok {
		t.Error("Advance after exhaustion must keep reporting exhaustion")
	}
}

func TestTracker_OneSentenceTwoWords(t *testing.T) {
	tr := practice.NewTracker(practice.Plan{Scene: "问候", Sentences: [][]string{{"你", "好"}}})

	results := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		target, _ := tr.Advance()
		results = append(results, target)
	}
	want := []string{"好", "你,好", ""}
	if !reflect.DeepEqual(results, want) {
		t.Errorf("targets = %q, want %q", results, want)
	}
	if !tr.Exhausted() {
		t.Error("tracker should be exhausted after three steps")
	}
}

func TestTracker_ReachesExhaustionWithinBound(t *testing.T) {
	plans := []practice.Plan{
		coffeePlan(),
		{Scene: "s", Sentences: [][]string{{"a"}}},
		{Scene: "s", Sentences: [][]string{{"a", "b", "c", "d"}, {"e", "f"}, {"g"}}},
	}
	for _, p := range plans {
		tr := practice.NewTracker(p)
		steps := 0
		for !tr.Exhausted() {
			if tr.Target() == "" {
				t.Fatalf("plan %v: empty target before exhaustion at step %d", p.Sentences, steps)
			}
			tr.Advance()
			steps++
			if steps > p.MaxSteps() {
				t.Fatalf("plan %v: not exhausted after %d steps", p.Sentences, steps)
			}
		}
	}
}

func TestTracker_TargetIsIdempotent(t *testing.T) {
	tr := practice.NewTracker(coffeePlan())
	for i := 0; i < 3; i++ {
		if got := tr.Target(); got != "我要" {
			t.Fatalf("Target() = %q on read %d", got, i)
		}
	}
}

func TestTracker_NotStarted(t *testing.T) {
	for name, tr := range map[string]*practice.Tracker{
		"zero value":    {},
		"no scene":      practice.NewTracker(practice.Plan{Sentences: [][]string{{"a"}}}),
		"no sentences":  practice.NewTracker(practice.Plan{Scene: "s"}),
		"empty strings": practice.NewTracker(practice.Plan{Scene: "s", Sentences: [][]string{{" ", ""}}}),
	} {
		t.Run(name, func(t *testing.T) {
			if tr.Started() || tr.Exhausted() {
				t.Errorf("Started=%v Exhausted=%v, want false/false", tr.Started(), tr.Exhausted())
			}
			if _, ok := tr.Advance(); ok {
				t.Error("Advance on a tracker that never started must fail")
			}
			if tr.TargetOrNone() != practice.None {
				t.Errorf("TargetOrNone = %q", tr.TargetOrNone())
			}
		})
	}

	var tr practice.Tracker
	if tr.Scene() != practice.SceneUnknown || tr.Sentence() != practice.PlanUndecided || tr.History() != practice.None || tr.PlanText() != practice.None {
		t.Errorf("placeholders: scene=%q sentence=%q history=%q plan=%q", tr.Scene(), tr.Sentence(), tr.History(), tr.PlanText())
	}
}

func TestTracker_ResetReplacesPlan(t *testing.T) {
	tr := practice.NewTracker(coffeePlan())
	tr.Advance()
	tr.Reset(practice.Plan{Scene: "机场", Sentences: [][]string{{"登机牌"}}})
	if tr.Scene() != "机场" || tr.Target() != "登机牌" || tr.History() != "" {
		t.Errorf("after Reset: scene=%q target=%q history=%q", tr.Scene(), tr.Target(), tr.History())
	}
	if tr.PlanText() != "登机牌" {
		t.Errorf("PlanText = %q", tr.PlanText())
	}
}

func TestTracker_PlanIsCopied(t *testing.T) {
	p := coffeePlan()
	tr := practice.NewTracker(p)
	p.Sentences[0][0] = "changed"
	if tr.Target() != "我要" || tr.Plan().Sentences[0][0] != "我要" {
		t.Error("tracker must not alias the caller's plan")
	}
}

func TestPlanFromScene(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    practice.Plan
		wantErr error
	}{
		{
			name:  "current shape",
			reply: `{"scene":"咖啡店","sentences":[["我要","一杯","咖啡"],["谢谢"]]}`,
			want:  coffeePlan(),
		},
		{
			name:  "string groups",
			reply: `{"scene":"咖啡店","sentences":["我要，一杯,咖啡","谢谢"]}`,
			want:  coffeePlan(),
		},
		{
			name:  "legacy keys",
			reply: `{"当前场景":"咖啡店","短句1":["我要","一杯","咖啡"],"短句2":["谢谢"],"短句3":[]}`,
			want:  coffeePlan(),
		},
		{
			name:    "no scene",
			reply:   `{"scene":"","sentences":[["a"]]}`,
			wantErr: practice.ErrNoScene,
		},
		{
			name:    "chit chat",
			reply:   `{"reply":"你想聊什么？"}`,
			wantErr: practice.ErrNoScene,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reply map[string]any
			if err := json.Unmarshal([]byte(tt.reply), &reply); err != nil {
				t.Fatal(err)
			}
			got, err := practice.PlanFromScene(reply)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("PlanFromScene: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PlanFromScene() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPlanFromScene_BadSentences(t *testing.T) {
	_, err := practice.PlanFromScene(map[string]any{"scene": "s", "sentences": "oops"})
	if err == nil || errors.Is(err, practice.ErrNoScene) {
		t.Fatalf("error = %v, want format error", err)
	}
}
