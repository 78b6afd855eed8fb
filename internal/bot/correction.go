package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/echojourney/internal/conversation"
	"github.com/MrWong99/echojourney/internal/syllable"
	"github.com/MrWong99/echojourney/pkg/provider/llm"
)

// Correction is the graded outcome of one attempt.
type Correction struct {
	// Score is the 0–100 grade given by the corrector.
	Score int

	// Suggestions renders the per-term advice as "- term: text" lines.
	Suggestions string

	ChangeScene bool

	// Media maps mismatch keys such as "initial f" to demonstration clips.
	Media map[string]string

	// Similarity is the romanization similarity of the two sequences.
	Similarity float64
}

// Corrector grades an attempt against the expected syllables.
type Corrector struct {
	conv   *conversation.Context
	differ *syllable.Differ
}

// NewCorrector creates the correction bot. differ resolves mismatches to
// media clips.
func NewCorrector(a conversation.Assistant, p llm.Provider, differ *syllable.Differ) *Corrector {
	if differ == nil {
		differ = &syllable.Differ{}
	}
	return &Corrector{conv: conversation.New(a, p), differ: differ}
}

// Context exposes the underlying conversation.
func (b *Corrector) Context() *conversation.Context { return b.conv }

type correctionReply struct {
	Score       json.RawMessage   `json:"score"`
	Suggestions map[string]string `json:"suggestion_dict"`
	ChangeScene bool              `json:"change_scene"`
}

// Correct asks the bot to grade actual against expected. Both sequences are
// rendered as char+pinyin+tone, e.g. "咖ka1啡fei1".
func (b *Corrector) Correct(ctx context.Context, expected, actual []syllable.Syllable) (*Correction, error) {
	similarity := syllable.Similarity(expected, actual)
	b.conv.AddUser(b.conv.Assistant().Prompt(map[string]string{
		"expected_sentence": syllable.Render(expected),
		"sentence":          syllable.Render(actual),
		"similarity":        strconv.FormatFloat(similarity, 'f', 2, 64),
	}))

	var reply correctionReply
	if err := b.conv.ExecuteInto(ctx, &reply); err != nil {
		return nil, err
	}
	score, err := parseScore(reply.Score)
	if err != nil {
		return nil, &conversation.ResponseFormatError{Assistant: RoleCorrection, Content: string(reply.Score), Err: err}
	}

	return &Correction{
		Score:       score,
		Suggestions: renderSuggestions(reply.Suggestions),
		ChangeScene: reply.ChangeScene,
		Media:       b.differ.FindMismatches(expected, actual),
		Similarity:  similarity,
	}, nil
}

// parseScore accepts a JSON number or a numeric string.
func parseScore(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, errors.New("score missing")
	}
	s := strings.Trim(string(raw), `"`)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("score %s: %w", raw, err)
	}
	if f < 0 || f > 100 {
		return 0, fmt.Errorf("score %s out of range", raw)
	}
	return int(math.Round(f)), nil
}

func renderSuggestions(m map[string]string) string {
	terms := make([]string, 0, len(m))
	for k := range m {
		terms = append(terms, k)
	}
	slices.Sort(terms)
	var b strings.Builder
	for _, t := range terms {
		fmt.Fprintf(&b, "- %s: %s\n", t, m[t])
	}
	return b.String()
}
