package ledger

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/echojourney/internal/syllable"
)

// NoHistory is the weakness report of a student without any recorded day.
const NoHistory = "暂无学习情况"

// Report is a read-only view of a student's history.
type Report struct {
	// Days lists every recorded day, oldest first.
	Days []Day

	// SceneTimes holds the last mistake time per scene.
	SceneTimes map[string]time.Time

	// TitleUpdated is when the title card was last refreshed; zero if never.
	TitleUpdated time.Time
}

// Empty reports whether nothing was ever recorded.
func (r *Report) Empty() bool {
	return len(r.Days) == 0
}

func (r *Report) latest() Situations {
	if len(r.Days) == 0 {
		return nil
	}
	return r.Days[len(r.Days)-1].Situations
}

// LatestScene returns the scene with the most recent mistake.
func (r *Report) LatestScene() (string, time.Time, bool) {
	var (
		scene  string
		latest time.Time
	)
	for s, at := range r.SceneTimes {
		if at.After(latest) || (at.Equal(latest) && s < scene) {
			scene, latest = s, at
		}
	}
	return scene, latest, scene != ""
}

// ShouldRefreshTitle reports whether a mistake was recorded after the title
// card was last refreshed.
func (r *Report) ShouldRefreshTitle() bool {
	_, at, ok := r.LatestScene()
	if !ok {
		return false
	}
	return r.TitleUpdated.IsZero() || at.After(r.TitleUpdated)
}

// usable rejects recorded transcripts that contain sentence punctuation;
// those are whole-sentence attempts whose positions do not line up.
func usable(text string) bool {
	return !strings.ContainsFunc(text, unicode.IsPunct)
}

type confusion struct {
	expected, actual []syllable.Syllable
}

// confusions decomposes every usable (word, mispronunciation) pair of sit.
// Duplicated mispronunciations of a word are counted once.
func confusions(sit Situations) []confusion {
	var out []confusion
	for _, scene := range sortedKeys(sit) {
		words := sit[scene]
		for _, word := range sortedKeys(words) {
			seen := make(map[string]bool)
			for _, pron := range words[word] {
				if seen[pron] || !usable(pron) {
					continue
				}
				seen[pron] = true
				exp, err1 := syllable.Decompose(word)
				act, err2 := syllable.Decompose(pron)
				if err1 != nil || err2 != nil {
					continue
				}
				out = append(out, confusion{expected: exp, actual: act})
			}
		}
	}
	return out
}

// Weakness renders the latest day's initial and final confusions, one line
// each, e.g. "声母f错误读成了h,w". Without history it returns NoHistory.
func (r *Report) Weakness() string {
	if r.Empty() {
		return NoHistory
	}
	initials := make(map[string][]string)
	finals := make(map[string][]string)
	for _, c := range confusions(r.latest()) {
		n := min(len(c.expected), len(c.actual))
		for i := 0; i < n; i++ {
			e, a := c.expected[i], c.actual[i]
			if e.Initial != "" && e.Initial != a.Initial && a.Initial != "" {
				initials[e.Initial] = appendUnique(initials[e.Initial], a.Initial)
			}
			if e.Final != "" && e.Final != a.Final && a.Final != "" {
				finals[e.Final] = appendUnique(finals[e.Final], a.Final)
			}
		}
	}

	var b strings.Builder
	for _, k := range sortedKeys(initials) {
		fmt.Fprintf(&b, "声母%s错误读成了%s\n", k, strings.Join(initials[k], ","))
	}
	for _, k := range sortedKeys(finals) {
		fmt.Fprintf(&b, "韵母%s错误读成了%s\n", k, strings.Join(finals[k], ","))
	}
	return b.String()
}

func appendUnique(list []string, s string) []string {
	if slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}

// Counts tallies initials and finals.
type Counts struct {
	Initials map[string]int `json:"initials"`
	Finals   map[string]int `json:"finals"`
}

// Unfamiliar counts the initials and finals of every word the student got
// wrong on the latest day.
func (r *Report) Unfamiliar() Counts {
	out := Counts{Initials: map[string]int{}, Finals: map[string]int{}}
	for _, words := range r.latest() {
		for word := range words {
			seq, err := syllable.Decompose(word)
			if err != nil {
				continue
			}
			for _, s := range seq {
				if s.Initial != "" {
					out.Initials[s.Initial]++
				}
				if s.Final != "" {
					out.Finals[s.Final]++
				}
			}
		}
	}
	return out
}

// Entry is one mistaken word in the mistake book.
type Entry struct {
	Word      string              `json:"word"`
	Syllables []syllable.Syllable `json:"syllables"`
}

// Book groups every word ever gotten wrong by the initials and finals it
// contains.
type Book struct {
	Initials map[string][]Entry `json:"initials"`
	Finals   map[string][]Entry `json:"finals"`
}

// MistakeBook builds the Book over the full history. Each word appears at
// most once per initial or final.
func (r *Report) MistakeBook() Book {
	book := Book{Initials: map[string][]Entry{}, Finals: map[string][]Entry{}}
	seen := make(map[string]bool)
	for _, day := range r.Days {
		for _, scene := range sortedKeys(day.Situations) {
			for _, word := range sortedKeys(day.Situations[scene]) {
				if seen[word] {
					continue
				}
				seen[word] = true
				seq, err := syllable.Decompose(word)
				if err != nil {
					continue
				}
				entry := Entry{Word: word, Syllables: seq}
				for _, key := range uniqueParts(seq, func(s syllable.Syllable) string { return s.Initial }) {
					book.Initials[key] = append(book.Initials[key], entry)
				}
				for _, key := range uniqueParts(seq, func(s syllable.Syllable) string { return s.Final }) {
					book.Finals[key] = append(book.Finals[key], entry)
				}
			}
		}
	}
	return book
}

func uniqueParts(seq []syllable.Syllable, part func(syllable.Syllable) string) []string {
	var out []string
	for _, s := range seq {
		if p := part(s); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// LatestMistake describes one confusion from the latest scene of the latest
// day, chosen with rng (nil uses the global source). ok is false when
// there is nothing to describe.
func (r *Report) LatestMistake(rng *rand.Rand) (string, bool) {
	scene, _, ok := r.LatestScene()
	if !ok {
		return "", false
	}
	words, ok := r.latest()[scene]
	if !ok {
		return "", false
	}
	var all []string
	for _, c := range confusions(Situations{scene: words}) {
		all = append(all, syllable.Describe(c.expected, c.actual)...)
	}
	if len(all) == 0 {
		return "", false
	}
	return syllable.PickOne(rng, all), true
}

// MissRelated returns every initial and final involved in a confusion on the
// latest day, on either side, sorted.
func (r *Report) MissRelated() []string {
	set := make(map[string]bool)
	for _, c := range confusions(r.latest()) {
		n := min(len(c.expected), len(c.actual))
		for i := 0; i < n; i++ {
			e, a := c.expected[i], c.actual[i]
			if e.Initial != a.Initial {
				set[e.Initial], set[a.Initial] = true, true
			}
			if e.Final != a.Final {
				set[e.Final], set[a.Final] = true, true
			}
		}
	}
	delete(set, "")
	return sortedKeys(set)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
