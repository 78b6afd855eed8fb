// Package syllable splits Chinese text into Mandarin syllables and localises
// pronunciation errors between an expected and a spoken syllable sequence.
//
// Decomposition is a pure function of its input: one [Syllable] per Han
// character, punctuation and whitespace removed. Romanization comes from
// go-pinyin in its TONE3 (trailing digit) style, with the neutral tone
// normalised to 5.
package syllable

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"
)

// NeutralTone is the tone number assigned to syllables without a tone digit.
const NeutralTone = 5

// Syllable is the phonetic breakdown of a single Han character.
type Syllable struct {
	// Char is the source character.
	Char string `json:"char"`

	// Initial is the leading consonant, empty for zero-initial syllables
	// such as 爱 (ai4).
	Initial string `json:"initial"`

	// Final is the vowel cluster without tone digit.
	Final string `json:"final"`

	// Tone is 1–4, or [NeutralTone].
	Tone int `json:"tone"`

	// Romanized is the full TONE3 form including the tone digit, e.g. "hao3".
	Romanized string `json:"pinyin"`
}

// Pinyin returns Initial+Final without tone.
func (s Syllable) Pinyin() string {
	return s.Initial + s.Final
}

// String renders the syllable as character, pinyin and tone, e.g. "好hao3".
func (s Syllable) String() string {
	return s.Char + s.Pinyin() + strconv.Itoa(s.Tone)
}

// Render concatenates [Syllable.String] for every element. This is the form
// the correction bot receives.
func Render(seq []Syllable) string {
	var b strings.Builder
	for _, s := range seq {
		b.WriteString(s.String())
	}
	return b.String()
}

// Text concatenates the source characters of seq.
func Text(seq []Syllable) string {
	var b strings.Builder
	for _, s := range seq {
		b.WriteString(s.Char)
	}
	return b.String()
}

// DecompositionError reports text that could not be transliterated. Callers
// treat it as an unusable transcript and ask the student to repeat.
type DecompositionError struct {
	// Text is the input after punctuation was stripped.
	Text string

	// Char is the first offending character, empty when Text itself is empty.
	Char string
}

func (e *DecompositionError) Error() string {
	if e.Char == "" {
		return fmt.Sprintf("syllable: nothing to decompose in %q", e.Text)
	}
	return fmt.Sprintf("syllable: cannot transliterate %q in %q", e.Char, e.Text)
}

var (
	toneArgs    = newArgs(pinyin.Tone3)
	initialArgs = newArgs(pinyin.Initials)
	finalArgs   = newArgs(pinyin.FinalsTone3)
)

func newArgs(style int) pinyin.Args {
	a := pinyin.NewArgs()
	a.Style = style
	return a
}

// Strip removes punctuation, symbols and whitespace, ASCII and CJK alike.
func Strip(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
}

// Decompose converts text into one Syllable per character.
//
// It returns a *DecompositionError when the stripped text is empty or
// contains a character go-pinyin does not know (Latin letters, digits, kana).
func Decompose(text string) ([]Syllable, error) {
	clean := Strip(text)
	if clean == "" {
		return nil, &DecompositionError{Text: clean}
	}

	out := make([]Syllable, 0, len(clean)/3)
	for _, r := range clean {
		s, ok := decomposeRune(r)
		if !ok {
			return nil, &DecompositionError{Text: clean, Char: string(r)}
		}
		out = append(out, s)
	}
	return out, nil
}

// MustDecompose is like Decompose but panics on error. Intended for tests
// and static content.
func MustDecompose(text string) []Syllable {
	seq, err := Decompose(text)
	if err != nil {
		panic(err)
	}
	return seq
}

// Validate reports whether text decomposes cleanly. It has the shape of an
// acceptance check for transcripts.
func Validate(text string) error {
	_, err := Decompose(text)
	return err
}

func decomposeRune(r rune) (Syllable, bool) {
	ch := string(r)
	full, ok := first(pinyin.Pinyin(ch, toneArgs))
	if !ok {
		return Syllable{}, false
	}
	initial, _ := first(pinyin.Pinyin(ch, initialArgs))

	var final string
	if initial == "" {
		final, _ = first(pinyin.Pinyin(ch, finalArgs))
	} else {
		final = strings.TrimPrefix(full, initial)
	}

	tone := NeutralTone
	if n := len(final); n > 0 && final[n-1] >= '1' && final[n-1] <= '5' {
		tone = int(final[n-1] - '0')
		final = final[:n-1]
	}

	return Syllable{
		Char:      ch,
		Initial:   initial,
		Final:     final,
		Tone:      tone,
		Romanized: initial + final + strconv.Itoa(tone),
	}, true
}

// first returns the first reading of a single-character conversion.
func first(py [][]string) (string, bool) {
	if len(py) != 1 || len(py[0]) == 0 || py[0][0] == "" {
		return "", false
	}
	return py[0][0], true
}
