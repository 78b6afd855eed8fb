package syllable

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// Mismatch categories used in mismatch keys.
const (
	KindInitial = "initial"
	KindFinal   = "final"
)

// DefaultCompounds splits compound finals into the two simpler finals a
// learner practises separately. Both the zero-initial spelling produced by
// FINALS style (iou, uei, uen) and the contracted spelling that follows an
// initial (iu, ui, un) are listed.
var DefaultCompounds = map[string][2]string{
	"ia":   {"i", "a"},
	"ie":   {"i", "e"},
	"iao":  {"i", "ao"},
	"iou":  {"i", "ou"},
	"iu":   {"i", "ou"},
	"ian":  {"i", "an"},
	"iang": {"i", "ang"},
	"iong": {"i", "ong"},
	"ua":   {"u", "a"},
	"uo":   {"u", "o"},
	"uai":  {"u", "ai"},
	"uei":  {"u", "ei"},
	"ui":   {"u", "ei"},
	"uan":  {"u", "an"},
	"uen":  {"u", "en"},
	"un":   {"u", "en"},
	"uang": {"u", "ang"},
	"ueng": {"u", "eng"},
	"ve":   {"v", "e"},
	"ue":   {"v", "e"},
	"van":  {"v", "an"},
}

// Differ localises pronunciation errors and resolves each to a demonstration
// clip. The zero value reports mismatches with bare clip names.
type Differ struct {
	// InitialsBase is prefixed to initial clip names, e.g. "https://cdn/initials/".
	InitialsBase string

	// FinalsBase is prefixed to final clip names.
	FinalsBase string

	// Compounds overrides [DefaultCompounds] when non-nil.
	Compounds map[string][2]string
}

// NewDiffer returns a Differ using [DefaultCompounds].
func NewDiffer(initialsBase, finalsBase string) *Differ {
	return &Differ{InitialsBase: initialsBase, FinalsBase: finalsBase}
}

func (d *Differ) compounds() map[string][2]string {
	if d.Compounds != nil {
		return d.Compounds
	}
	return DefaultCompounds
}

// Key builds a mismatch key such as "initial f" or "final ao".
func Key(kind, part string) string {
	return kind + " " + part
}

// FindMismatches compares expected and actual position by position up to the
// shorter length and returns mismatch key → clip reference. Positions past the
// shorter sequence are ignored.
//
// An initial mismatch is skipped when the expected syllable has no initial.
// When both finals are compound, only the differing halves are reported; a
// compound expected final against a simple actual final reports both halves.
func (d *Differ) FindMismatches(expected, actual []Syllable) map[string]string {
	out := make(map[string]string)
	n := min(len(expected), len(actual))
	table := d.compounds()

	for i := 0; i < n; i++ {
		exp, act := expected[i], actual[i]

		if exp.Initial != "" && exp.Initial != act.Initial {
			out[Key(KindInitial, exp.Initial)] = d.clip(KindInitial, exp.Initial)
		}

		if exp.Final == "" || exp.Final == act.Final {
			continue
		}
		expParts, expCompound := table[exp.Final]
		if !expCompound {
			out[Key(KindFinal, exp.Final)] = d.clip(KindFinal, exp.Final)
			continue
		}
		actParts, actCompound := table[act.Final]
		for j, part := range expParts {
			if actCompound && act.Final != "" && actParts[j] == part {
				continue
			}
			out[Key(KindFinal, part)] = d.clip(KindFinal, part)
		}
	}
	return out
}

func (d *Differ) clip(kind, part string) string {
	base := d.FinalsBase
	if kind == KindInitial {
		base = d.InitialsBase
	}
	return base + part + ".mp4"
}

// AlignIdentical returns a copy of actual in which every syllable whose
// romanization equals the expected one at the same position is replaced by
// the expected syllable verbatim. Sequences of different length are returned
// unchanged.
//
// The replacement hides transliteration noise between two decompositions of
// the same reading, e.g. a homophone character recognised by ASR.
func AlignIdentical(expected, actual []Syllable) []Syllable {
	out := make([]Syllable, len(actual))
	copy(out, actual)
	if len(expected) != len(actual) {
		return out
	}
	for i := range out {
		if out[i].Romanized == expected[i].Romanized {
			out[i] = expected[i]
		}
	}
	return out
}

// Describe returns one human-readable Chinese sentence per differing
// component, e.g. "好: 声母h错误读成了f".
func Describe(expected, actual []Syllable) []string {
	var out []string
	n := min(len(expected), len(actual))
	for i := 0; i < n; i++ {
		exp, act := expected[i], actual[i]
		if exp.Initial != act.Initial && exp.Initial != "" {
			out = append(out, fmt.Sprintf("%s: 声母%s错误读成了%s", exp.Char, exp.Initial, orNone(act.Initial)))
		}
		if exp.Final != act.Final {
			out = append(out, fmt.Sprintf("%s: 韵母%s错误读成了%s", exp.Char, exp.Final, orNone(act.Final)))
		}
		if exp.Tone != act.Tone {
			out = append(out, fmt.Sprintf("%s: 声调%d错误读成了%d", exp.Char, exp.Tone, act.Tone))
		}
	}
	return out
}

// PickOne returns one of descs chosen with rng, or "" when descs is empty.
// A nil rng uses the global source.
func PickOne(rng *rand.Rand, descs []string) string {
	switch len(descs) {
	case 0:
		return ""
	case 1:
		return descs[0]
	}
	if rng == nil {
		return descs[rand.IntN(len(descs))]
	}
	return descs[rng.IntN(len(descs))]
}

func orNone(s string) string {
	if s == "" {
		return "无"
	}
	return s
}

// SortedKeys returns the keys of a mismatch map in a stable order, initials
// before finals.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	rank := func(k string) int {
		if strings.HasPrefix(k, KindInitial+" ") {
			return 0
		}
		return 1
	}
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Or(cmp.Compare(rank(a), rank(b)), strings.Compare(a, b))
	})
	return keys
}
