// Package session drives one student's practice session.
//
// An [Orchestrator] owns the practice tracker and the per-session bot
// contexts and moves through three states: NOT_STARTED until the greeting
// has been sent, SCENE_GENERATION while the student picks a topic and
// IN_PROGRESS while the plan of that topic is drilled. Inbound events are
// handled one at a time; independent sessions share nothing except the
// learning-history ledger.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/echojourney/internal/bot"
	"github.com/MrWong99/echojourney/internal/ledger"
	"github.com/MrWong99/echojourney/internal/observe"
	"github.com/MrWong99/echojourney/internal/review"
	"github.com/MrWong99/echojourney/internal/syllable"
	"github.com/MrWong99/echojourney/pkg/provider/llm"
	"github.com/MrWong99/echojourney/pkg/provider/scorer"
	"github.com/MrWong99/echojourney/pkg/provider/stt"
	"github.com/MrWong99/echojourney/pkg/provider/tts"
	"github.com/MrWong99/echojourney/pkg/types"
)

// DefaultSuccessScore is the lowest corrector grade that counts as a pass.
const DefaultSuccessScore = 90

var (
	// ErrNotStarted is returned for events that arrive before Start.
	ErrNotStarted = errors.New("session: not started")

	// ErrClosed is returned for events that arrive after Close.
	ErrClosed = errors.New("session: closed")

	// ErrExists is returned by [Manager.Open] for a session id in use.
	ErrExists = errors.New("session: already open")
)

// State is the orchestrator's position in the session lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateSceneGeneration
	StateInProgress
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateSceneGeneration:
		return "SCENE_GENERATION"
	case StateInProgress:
		return "IN_PROGRESS"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Info identifies a session. It is passed explicitly to everything that
// needs to know whose session it handles.
type Info struct {
	SessionID string

	// UserID keys the learning history, typically the client's device id.
	UserID string

	// Platform decides the audio container of uploads and of synthesized
	// replies.
	Platform types.Platform

	StartedAt time.Time
}

// Messages holds the fixed tutor texts.
type Messages struct {
	// Unheard is sent when an attempt cannot be transcribed.
	Unheard string `yaml:"unheard"`

	// Retry follows corrective feedback.
	Retry string `yaml:"retry"`

	// SceneEnd is sent once every sentence of a scene was practised.
	SceneEnd string `yaml:"scene_end"`

	// Passed tells the practice bot which target the student mastered; %s
	// is replaced by the target.
	Passed string `yaml:"passed"`
}

// DefaultMessages returns the built-in tutor texts.
func DefaultMessages() Messages {
	return Messages{
		Unheard:  "对不起，我没有听清楚，请再说一遍",
		Retry:    "来，我们再试一次",
		SceneEnd: "这个场景的练习结束",
		Passed:   "学生已经会读%s了",
	}
}

func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	if m.Unheard == "" {
		m.Unheard = d.Unheard
	}
	if m.Retry == "" {
		m.Retry = d.Retry
	}
	if m.SceneEnd == "" {
		m.SceneEnd = d.SceneEnd
	}
	if m.Passed == "" {
		m.Passed = d.Passed
	}
	return m
}

// Config holds the collaborators shared by every session. LLM, STT and
// Ledger are required; TTS, Scorer and Reviewer are optional.
type Config struct {
	Templates bot.Templates
	LLM       llm.Provider
	STT       stt.Provider
	TTS       tts.Provider
	Scorer    scorer.Provider
	Ledger    *ledger.Ledger
	Reviewer  *review.Reviewer

	// Differ resolves mismatches to demonstration clips.
	Differ *syllable.Differ

	Voice types.Voice

	// SuccessScore defaults to [DefaultSuccessScore].
	SuccessScore int

	Messages Messages

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ProviderNames label provider calls in metrics. Empty names fall back
	// to the provider kind.
	ProviderNames ProviderNames
}

// ProviderNames are the configured backend names of the speech providers.
type ProviderNames struct {
	STT, TTS, Scorer string
}

// Validate reports missing required collaborators.
func (c Config) Validate() error {
	var errs []error
	if c.LLM == nil {
		errs = append(errs, errors.New("session: config: LLM is required"))
	}
	if c.STT == nil {
		errs = append(errs, errors.New("session: config: STT is required"))
	}
	if c.Ledger == nil {
		errs = append(errs, errors.New("session: config: Ledger is required"))
	}
	if c.SuccessScore < 0 || c.SuccessScore > 100 {
		errs = append(errs, fmt.Errorf("session: config: success score %d outside 0..100", c.SuccessScore))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.SuccessScore == 0 {
		c.SuccessScore = DefaultSuccessScore
	}
	if c.Differ == nil {
		c.Differ = &syllable.Differ{}
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	for _, n := range []struct {
		name *string
		kind string
	}{
		{&c.ProviderNames.STT, observe.KindSTT},
		{&c.ProviderNames.TTS, observe.KindTTS},
		{&c.ProviderNames.Scorer, observe.KindScorer},
	} {
		if *n.name == "" {
			*n.name = n.kind
		}
	}
	c.Messages = c.Messages.withDefaults()
	return c
}

// ---- outbound messages ----

// Message is an outbound event: a [TutorMessage] or a [CorrectionMessage].
type Message interface {
	message()
}

// TutorMessage is something the tutor says.
type TutorMessage struct {
	Text string

	// Expected is the syllable sequence the student should read next, for
	// client-side highlighting. Nil outside practice.
	Expected []syllable.Syllable

	// Audio is the synthesized speech of Text; nil when synthesis is
	// unavailable.
	Audio []byte
}

// CorrectionMessage is the feedback on a failed attempt.
type CorrectionMessage struct {
	Suggestions string
	Score       int
	Expected    []syllable.Syllable
	Actual      []syllable.Syllable

	// Scores are the assessment sub-scores; nil when the scorer failed.
	Scores *types.Scores

	// Media maps mismatch keys such as "initial f" to demonstration clips.
	Media map[string]string
}

func (TutorMessage) message()      {}
func (CorrectionMessage) message() {}
