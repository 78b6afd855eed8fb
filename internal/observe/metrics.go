// Package observe holds the tutor's telemetry. [Metrics] has an instrument
// for each stage of a practice turn and [Logger] tags slog output with the
// session and trace ids.
//
// Production wires the global providers through [InitProvider], whose
// Prometheus reader backs GET /metrics. Tests build [NewMetrics] over their
// own provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName is the instrumentation scope of all echojourney metrics and spans.
const scopeName = "github.com/MrWong99/echojourney"

// Attempt outcomes reported through [Metrics.RecordAttempt].
const (
	OutcomePassed   = "passed"
	OutcomeFailed   = "failed"
	OutcomeUnheard  = "unheard"
	OutcomeRejected = "rejected"
)

// Metrics holds the instruments. Safe for concurrent use.
//
// Attribute keys: LLMDuration carries "bot"; TurnDuration carries "kind"
// (text or audio); Attempts carries "outcome"; Transitions carry "from" and
// "to"; provider counters carry "provider", "kind" and, for requests,
// "status". HTTPRequestDuration is labelled by [Middleware].
type Metrics struct {
	STTDuration   metric.Float64Histogram
	LLMDuration   metric.Float64Histogram
	TTSDuration   metric.Float64Histogram
	ScoreDuration metric.Float64Histogram
	TurnDuration  metric.Float64Histogram

	// Similarity is the romanization similarity of graded attempts, 0..1.
	Similarity  metric.Float64Histogram
	Attempts    metric.Int64Counter
	Transitions metric.Int64Counter

	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// ActiveSessions counts open talk websockets.
	ActiveSessions metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are in seconds; bot completions regularly take several.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}

var similarityBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1}

// NewMetrics registers every instrument with mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scopeName)
	met := &Metrics{}
	var errs []error

	histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets []float64
		unit    string
	}{
		{&met.STTDuration, "stt.duration", "Latency of speech-to-text transcription.", latencyBuckets, "s"},
		{&met.LLMDuration, "llm.duration", "Latency of bot completions.", latencyBuckets, "s"},
		{&met.TTSDuration, "tts.duration", "Latency of text-to-speech synthesis.", latencyBuckets, "s"},
		{&met.ScoreDuration, "score.duration", "Latency of pronunciation assessment.", latencyBuckets, "s"},
		{&met.TurnDuration, "turn.duration", "Time to handle one student event.", latencyBuckets, "s"},
		{&met.Similarity, "pronunciation.similarity", "Romanization similarity of graded attempts.", similarityBuckets, ""},
		{&met.HTTPRequestDuration, "http.request.duration", "HTTP request latency by method, route and status.", nil, "s"},
	}
	for _, h := range histograms {
		opts := []metric.Float64HistogramOption{metric.WithDescription(h.desc)}
		if h.unit != "" {
			opts = append(opts, metric.WithUnit(h.unit))
		}
		if h.buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(h.buckets...))
		}
		var err error
		*h.dst, err = meter.Float64Histogram("echojourney."+h.name, opts...)
		errs = append(errs, err)
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Attempts, "pronunciation.attempts", "Graded audio attempts by outcome."},
		{&met.Transitions, "session.transitions", "Session state transitions by source and target state."},
		{&met.ProviderRequests, "provider.requests", "Calls to external providers by provider, kind and status."},
		{&met.ProviderErrors, "provider.errors", "Failed calls to external providers by provider and kind."},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = meter.Int64Counter("echojourney."+c.name, metric.WithDescription(c.desc))
		errs = append(errs, err)
	}

	var err error
	met.ActiveSessions, err = meter.Int64UpDownCounter("echojourney.active_sessions",
		metric.WithDescription("Open practice sessions."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: register instruments: %w", err)
	}
	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns instruments of the global meter provider, created
// once. Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is [attribute.String].
func Attr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

// Provider kinds reported through [Metrics.ObserveCall].
const (
	KindSTT    = "stt"
	KindTTS    = "tts"
	KindScorer = "scorer"
	KindLLM    = "llm"
)

func (m *Metrics) countCall(ctx context.Context, provider, kind string, err error) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", callStatus(err)),
	))
	if err != nil && !errors.Is(err, context.Canceled) {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
	}
}

// ObserveCall records the latency and outcome of one call to an external
// collaborator. provider names the configured backend (or fallback group);
// kind selects the latency histogram. A cancelled context is counted as
// "cancelled" and not as an error.
func (m *Metrics) ObserveCall(ctx context.Context, provider, kind string, elapsed time.Duration, err error) {
	var h metric.Float64Histogram
	switch kind {
	case KindSTT:
		h = m.STTDuration
	case KindTTS:
		h = m.TTSDuration
	case KindScorer:
		h = m.ScoreDuration
	default:
		h = m.LLMDuration
	}
	h.Record(ctx, elapsed.Seconds())
	m.countCall(ctx, provider, kind, err)
}

// ObserveBot is [Metrics.ObserveCall] for a bot completion; the latency is
// labelled with the bot role.
func (m *Metrics) ObserveBot(ctx context.Context, bot string, elapsed time.Duration, err error) {
	m.LLMDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(Attr("bot", bot)))
	m.countCall(ctx, bot, KindLLM, err)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// RecordAttempt counts one graded audio attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, outcome string) {
	m.Attempts.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordTransition counts one session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}
