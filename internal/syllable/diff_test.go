package syllable

import (
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"
)

func syl(char, initial, final string, tone int) Syllable {
	return Syllable{
		Char:      char,
		Initial:   initial,
		Final:     final,
		Tone:      tone,
		Romanized: initial + final + string(rune('0'+tone)),
	}
}

func TestFindMismatches(t *testing.T) {
	d := NewDiffer("https://cdn/initials/", "https://cdn/finals/")

	tests := []struct {
		name     string
		expected []Syllable
		actual   []Syllable
		want     map[string]string
	}{
		{
			name:     "clean match",
			expected: MustDecompose("咖啡"),
			actual:   MustDecompose("咖啡"),
			want:     map[string]string{},
		},
		{
			name:     "initial only",
			expected: MustDecompose("飞"),
			actual:   MustDecompose("黑"),
			want:     map[string]string{"initial f": "https://cdn/initials/f.mp4"},
		},
		{
			name:     "w glide folds into the final",
			expected: MustDecompose("飞"),
			actual:   MustDecompose("威"),
			want: map[string]string{
				"initial f": "https://cdn/initials/f.mp4",
				"final ei":  "https://cdn/finals/ei.mp4",
			},
		},
		{
			name:     "missing expected initial is not reported",
			expected: []Syllable{syl("爱", "", "ai", 4)},
			actual:   []Syllable{syl("在", "z", "ai", 4)},
			want:     map[string]string{},
		},
		{
			name:     "simple final",
			expected: []Syllable{syl("好", "h", "ao", 3)},
			actual:   []Syllable{syl("后", "h", "ou", 4)},
			want:     map[string]string{"final ao": "https://cdn/finals/ao.mp4"},
		},
		{
			name:     "compound vs compound reports differing half",
			expected: []Syllable{syl("叫", "j", "iao", 4)},
			actual:   []Syllable{syl("见", "j", "ian", 4)},
			want:     map[string]string{"final ao": "https://cdn/finals/ao.mp4"},
		},
		{
			name:     "compound vs simple reports both halves",
			expected: []Syllable{syl("叫", "j", "iao", 4)},
			actual:   []Syllable{syl("到", "d", "ao", 4)},
			want: map[string]string{
				"initial j": "https://cdn/initials/j.mp4",
				"final i":   "https://cdn/finals/i.mp4",
				"final ao":  "https://cdn/finals/ao.mp4",
			},
		},
		{
			name:     "length mismatch truncates",
			expected: []Syllable{syl("你", "n", "i", 3), syl("好", "h", "ao", 3)},
			actual:   []Syllable{syl("你", "n", "i", 3)},
			want:     map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.FindMismatches(tt.expected, tt.actual)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FindMismatches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindMismatches_SelfIsEmpty(t *testing.T) {
	var d Differ
	for _, text := range []string{"你好", "我们今天去公园散步", "叫见"} {
		seq := MustDecompose(text)
		if got := d.FindMismatches(seq, seq); len(got) != 0 {
			t.Errorf("FindMismatches(%q, %q) = %v, want empty", text, text, got)
		}
	}
}

func TestFindMismatches_CustomCompounds(t *testing.T) {
	d := &Differ{Compounds: map[string][2]string{}}
	got := d.FindMismatches([]Syllable{syl("叫", "j", "iao", 4)}, []Syllable{syl("见", "j", "ian", 4)})
	if _, ok := got["final iao"]; !ok || len(got) != 1 {
		t.Errorf("got %v, want whole final reported without a compound table", got)
	}
}

func TestAlignIdentical(t *testing.T) {
	expected := []Syllable{syl("他", "t", "a", 1), syl("好", "h", "ao", 3)}
	actual := []Syllable{syl("她", "t", "a", 1), syl("号", "h", "ao", 4)}

	got := AlignIdentical(expected, actual)
	if got[0] != expected[0] {
		t.Errorf("position 0 = %+v, want expected syllable", got[0])
	}
	if got[1] != actual[1] {
		t.Errorf("position 1 = %+v, want actual syllable kept", got[1])
	}
	if actual[0].Char != "她" {
		t.Error("AlignIdentical mutated its input")
	}

	short := AlignIdentical(expected, actual[:1])
	if short[0] != actual[0] {
		t.Error("different lengths must not be aligned")
	}
}

func TestDescribe(t *testing.T) {
	expected := []Syllable{syl("好", "h", "ao", 3)}
	actual := []Syllable{syl("否", "f", "ou", 3)}

	got := Describe(expected, actual)
	want := []string{"好: 声母h错误读成了f", "好: 韵母ao错误读成了ou"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Describe() = %v, want %v", got, want)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[PickOne(rng, got)] = true
	}
	for _, w := range want {
		if !seen[w] {
			t.Errorf("PickOne never picked %q", w)
		}
	}

	if got := PickOne(nil, Describe(expected, expected)); got != "" {
		t.Errorf("PickOne on identical input = %q, want empty", got)
	}
	if got := PickOne(nil, want[:1]); got != want[0] {
		t.Errorf("PickOne(single) = %q", got)
	}
}

func TestDescribe_Tone(t *testing.T) {
	got := Describe([]Syllable{syl("好", "h", "ao", 3)}, []Syllable{syl("号", "h", "ao", 4)})
	if len(got) != 1 || !strings.Contains(got[0], "声调3错误读成了4") {
		t.Errorf("Describe() = %v", got)
	}
}

func TestSortedKeys(t *testing.T) {
	m := map[string]string{"final ao": "", "initial zh": "", "final i": "", "initial b": ""}
	want := []string{"initial b", "initial zh", "final ao", "final i"}
	if got := SortedKeys(m); !reflect.DeepEqual(got, want) {
		t.Errorf("SortedKeys() = %v, want %v", got, want)
	}
}

func TestSimilarity(t *testing.T) {
	a := []Syllable{syl("你", "n", "i", 3), syl("好", "h", "ao", 3)}
	b := []Syllable{syl("你", "n", "i", 3), syl("号", "h", "ao", 4)}

	if got := Similarity(a, a); got != 1 {
		t.Errorf("Similarity(a, a) = %v, want 1", got)
	}
	if got := Similarity(a, b); got >= 1 || got <= 0.5 {
		t.Errorf("Similarity(a, b) = %v, want in (0.5, 1)", got)
	}
	if got := Similarity(nil, nil); got != 1 {
		t.Errorf("Similarity(nil, nil) = %v, want 1", got)
	}
}
