package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echojourney/internal/bot"
	"github.com/MrWong99/echojourney/internal/ledger"
	"github.com/MrWong99/echojourney/internal/observe"
	"github.com/MrWong99/echojourney/internal/practice"
	"github.com/MrWong99/echojourney/internal/review"
	"github.com/MrWong99/echojourney/internal/syllable"
	"github.com/MrWong99/echojourney/pkg/types"
)

// Orchestrator is the state machine of one session. Its methods serialise on
// an internal mutex, so an event is fully handled before the next one starts.
//
// A step that fails (a bot reply that cannot be used, for example) returns
// the error without messages and restores the state and the practice cursor
// it started from. Turns already appended to the bot contexts are kept.
type Orchestrator struct {
	info Info
	cfg  Config
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	closed    bool
	tracker   *practice.Tracker
	scene     *bot.Scene
	practice  *bot.Practice
	corrector *bot.Corrector
}

// New creates the orchestrator of one session. Bots are created by Start,
// when the student's history is known.
func New(info Info, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if info.Platform == "" {
		info.Platform = types.PlatformWeb
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	return &Orchestrator{
		info:    info,
		cfg:     cfg,
		log:     slog.With("session_id", info.SessionID, "user_id", info.UserID),
		tracker: &practice.Tracker{},
	}, nil
}

// Info returns the identity of the session.
func (o *Orchestrator) Info() Info { return o.info }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Target returns the current practice target, empty outside practice.
func (o *Orchestrator) Target() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracker.Target()
}

// Close rejects every later event.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

func (o *Orchestrator) transition(ctx context.Context, to State) {
	if o.state == to {
		return
	}
	o.log.Info("session state changed", "from", o.state, "to", to)
	o.cfg.Metrics.RecordTransition(ctx, o.state.String(), to.String())
	o.state = to
}

type checkpoint struct {
	state   State
	tracker practice.Tracker
}

func (o *Orchestrator) save() checkpoint {
	return checkpoint{state: o.state, tracker: *o.tracker}
}

func (o *Orchestrator) restore(c checkpoint) {
	o.state = c.state
	*o.tracker = c.tracker
}

// begin locks the orchestrator for one event and returns the function that
// ends it; a non-nil *errp rolls the step back.
func (o *Orchestrator) begin(ctx context.Context, kind string) (context.Context, func(errp *error), error) {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ctx, nil, ErrClosed
	case o.state == StateNotStarted && kind != "start":
		o.mu.Unlock()
		return ctx, nil, ErrNotStarted
	}
	ctx = observe.WithSession(ctx, o.info.SessionID)
	ctx, span := observe.StartSpan(ctx, "session."+kind)
	saved := o.save()
	start := time.Now()
	return ctx, func(errp *error) {
		if *errp != nil {
			o.restore(saved)
			span.RecordError(*errp)
			o.log.Warn("session step failed", "kind", kind, "state", o.state, "err", *errp)
		}
		o.cfg.Metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(), metricKind(kind))
		span.End()
		o.mu.Unlock()
	}, nil
}

func metricKind(kind string) metric.RecordOption {
	return metric.WithAttributes(observe.Attr("kind", kind))
}

// Start sends the greeting and enters scene generation. The practice bot
// is personalised with the student's weak initials and finals of the latest
// recorded day.
func (o *Orchestrator) Start(ctx context.Context) (msgs []Message, err error) {
	ctx, end, err := o.begin(ctx, "start")
	if err != nil {
		return nil, err
	}
	defer end(&err)
	if o.state != StateNotStarted {
		return nil, fmt.Errorf("session: start: already in %s", o.state)
	}

	var unfamiliar ledger.Counts
	if rep, err := o.cfg.Ledger.Report(ctx, o.info.UserID); err != nil {
		o.log.Warn("failed to load learning history", "err", err)
	} else {
		unfamiliar = rep.Unfamiliar()
	}
	o.scene = bot.NewScene(o.cfg.Templates.Scene, o.cfg.LLM)
	o.practice = bot.NewPractice(o.cfg.Templates.Practice, o.cfg.LLM, unfamiliar)
	o.corrector = bot.NewCorrector(o.cfg.Templates.Correction, o.cfg.LLM, o.cfg.Differ)

	text := review.TopicQuestion
	if o.cfg.Reviewer != nil {
		g, err := o.cfg.Reviewer.Greet(ctx, o.info.UserID)
		switch {
		case err != nil:
			o.log.Warn("failed to build greeting, using topic question", "err", err)
		case g.Title != "":
			text = g.Text + "\n" + g.Title
		default:
			text = g.Text
		}
	}
	o.scene.Context().AddAssistant(text)
	o.practice.Greet(text)
	o.transition(ctx, StateSceneGeneration)
	return []Message{o.say(ctx, text, nil)}, nil
}

// HandleText processes one typed utterance.
func (o *Orchestrator) HandleText(ctx context.Context, text string) (msgs []Message, err error) {
	ctx, end, err := o.begin(ctx, "text")
	if err != nil {
		return nil, err
	}
	defer end(&err)
	return o.dispatch(ctx, text)
}

func (o *Orchestrator) dispatch(ctx context.Context, text string) ([]Message, error) {
	if o.state == StateInProgress {
		return o.chat(ctx, text)
	}
	return o.generateScene(ctx, text)
}

// HandleAudio processes one recorded attempt. Outside practice the
// transcript is handled like typed text.
func (o *Orchestrator) HandleAudio(ctx context.Context, data []byte) (msgs []Message, err error) {
	ctx, end, err := o.begin(ctx, "audio")
	if err != nil {
		return nil, err
	}
	defer end(&err)

	clip := types.AudioClip{Data: data, Platform: o.info.Platform}
	if o.state != StateInProgress {
		text, err := o.transcribe(ctx, clip, "")
		if err != nil {
			return []Message{o.unheard(ctx, err)}, nil
		}
		return o.dispatch(ctx, text)
	}
	return o.grade(ctx, clip)
}

// ---- scene generation ----

func (o *Orchestrator) generateScene(ctx context.Context, text string) ([]Message, error) {
	start := time.Now()
	res, err := o.scene.Generate(ctx, text)
	o.cfg.Metrics.ObserveBot(ctx, bot.RoleScene, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("session: scene: %w", err)
	}
	if !res.Found {
		reply := res.Teacher
		if reply == "" {
			reply = review.TopicQuestion
		}
		return []Message{o.say(ctx, reply, nil)}, nil
	}

	o.tracker.Reset(res.Plan)
	o.transition(ctx, StateInProgress)
	o.log.Info("scene selected", "scene", res.Plan.Scene, "sentences", len(res.Plan.Sentences))

	reply, err := o.reply(ctx, bot.StatusStarting, text)
	if err != nil {
		return nil, fmt.Errorf("session: practice: %w", err)
	}
	var msgs []Message
	if res.Teacher != "" {
		msgs = append(msgs, o.say(ctx, res.Teacher, nil))
	}
	return append(msgs, o.sayTarget(ctx, reply.Teacher)), nil
}

// endScene returns to scene generation with a fresh scene bot.
func (o *Orchestrator) endScene(ctx context.Context) {
	o.tracker.Reset(practice.Plan{})
	o.scene.Context().Clear()
	o.transition(ctx, StateSceneGeneration)
}

// ---- practice ----

func (o *Orchestrator) chat(ctx context.Context, text string) ([]Message, error) {
	reply, err := o.reply(ctx, bot.StatusChatting, text)
	if err != nil {
		return nil, fmt.Errorf("session: practice: %w", err)
	}
	switch {
	case reply.ChangeScene:
		o.endScene(ctx)
		return o.generateScene(ctx, text)
	case reply.Skip:
		return o.next(ctx, bot.StatusSkipped, text)
	}
	return []Message{o.sayTarget(ctx, reply.Teacher)}, nil
}

// next advances the tracker and announces the new target, or ends the scene
// when the plan is exhausted.
func (o *Orchestrator) next(ctx context.Context, status, student string) ([]Message, error) {
	if _, ok := o.tracker.Advance(); !ok {
		o.endScene(ctx)
		return []Message{o.say(ctx, o.cfg.Messages.SceneEnd, nil)}, nil
	}
	reply, err := o.reply(ctx, status, student)
	if err != nil {
		return nil, fmt.Errorf("session: practice: %w", err)
	}
	return []Message{o.sayTarget(ctx, reply.Teacher)}, nil
}

func (o *Orchestrator) reply(ctx context.Context, status, student string) (bot.PracticeReply, error) {
	start := time.Now()
	reply, err := o.practice.Reply(ctx, o.tracker, status, student)
	o.cfg.Metrics.ObserveBot(ctx, bot.RolePractice, time.Since(start), err)
	return reply, err
}

// ---- grading ----

func (o *Orchestrator) grade(ctx context.Context, clip types.AudioClip) ([]Message, error) {
	target := o.tracker.Target()
	expected, err := syllable.Decompose(target)
	if err != nil {
		return nil, fmt.Errorf("session: practice target %q: %w", target, err)
	}

	var (
		text   string
		scores *types.Scores
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		text, err = o.transcribe(gctx, clip, syllable.Text(expected))
		return err
	})
	if o.cfg.Scorer != nil {
		g.Go(func() error {
			scores = o.score(gctx, clip, syllable.Text(expected))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return []Message{o.unheard(ctx, err)}, nil
	}

	actual, err := syllable.Decompose(text)
	if err != nil {
		o.cfg.Metrics.RecordAttempt(ctx, observe.OutcomeRejected)
		return []Message{o.unheard(ctx, err)}, nil
	}
	actual = syllable.AlignIdentical(expected, actual)

	start := time.Now()
	corr, err := o.corrector.Correct(ctx, expected, actual)
	o.cfg.Metrics.ObserveBot(ctx, bot.RoleCorrection, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("session: correction: %w", err)
	}
	o.cfg.Metrics.Similarity.Record(ctx, corr.Similarity)
	o.log.Debug("attempt graded", "target", target, "heard", text, "score", corr.Score)

	if corr.ChangeScene {
		o.endScene(ctx)
		return o.generateScene(ctx, text)
	}
	if corr.Score >= o.cfg.SuccessScore {
		o.cfg.Metrics.RecordAttempt(ctx, observe.OutcomePassed)
		return o.next(ctx, bot.StatusPassed, fmt.Sprintf(o.cfg.Messages.Passed, target))
	}

	o.cfg.Metrics.RecordAttempt(ctx, observe.OutcomeFailed)
	if err := o.cfg.Ledger.Record(ctx, o.info.UserID, o.tracker.Plan().Scene, target, syllable.Text(actual)); err != nil {
		o.log.Warn("failed to record mistake", "target", target, "err", err)
	}
	o.practice.AddCorrection(o.tracker, corr.Suggestions)
	return []Message{
		CorrectionMessage{
			Suggestions: corr.Suggestions,
			Score:       corr.Score,
			Expected:    expected,
			Actual:      actual,
			Scores:      scores,
			Media:       corr.Media,
		},
		o.sayTarget(ctx, o.cfg.Messages.Retry),
	}, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, clip types.AudioClip, hint string) (string, error) {
	start := time.Now()
	text, err := o.cfg.STT.Transcribe(ctx, clip, hint)
	o.cfg.Metrics.ObserveCall(ctx, o.cfg.ProviderNames.STT, observe.KindSTT, time.Since(start), err)
	return text, err
}

func (o *Orchestrator) score(ctx context.Context, clip types.AudioClip, reference string) *types.Scores {
	start := time.Now()
	scores, err := o.cfg.Scorer.Score(ctx, clip, reference)
	o.cfg.Metrics.ObserveCall(ctx, o.cfg.ProviderNames.Scorer, observe.KindScorer, time.Since(start), err)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.log.Warn("pronunciation scoring failed", "err", err)
		}
		return nil
	}
	return scores
}

func (o *Orchestrator) unheard(ctx context.Context, err error) Message {
	o.log.Info("attempt not understood", "err", err)
	o.cfg.Metrics.RecordAttempt(ctx, observe.OutcomeUnheard)
	return o.say(ctx, o.cfg.Messages.Unheard, nil)
}

// ---- speech ----

// sayTarget is say with the syllables of the current target attached.
func (o *Orchestrator) sayTarget(ctx context.Context, text string) Message {
	expected, err := syllable.Decompose(o.tracker.Target())
	if err != nil {
		expected = nil
	}
	return o.say(ctx, text, expected)
}

func (o *Orchestrator) say(ctx context.Context, text string, expected []syllable.Syllable) Message {
	return TutorMessage{Text: text, Expected: expected, Audio: o.synthesize(ctx, text)}
}

// synthesize returns nil when no TTS is configured or synthesis fails; the
// text reply is sent either way.
func (o *Orchestrator) synthesize(ctx context.Context, text string) []byte {
	if o.cfg.TTS == nil || text == "" {
		return nil
	}
	start := time.Now()
	audio, err := o.cfg.TTS.Synthesize(ctx, text, o.cfg.Voice, o.info.Platform)
	o.cfg.Metrics.ObserveCall(ctx, o.cfg.ProviderNames.TTS, observe.KindTTS, time.Since(start), err)
	if err != nil {
		o.log.Warn("speech synthesis failed", "err", err)
		return nil
	}
	return audio
}
