package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/echojourney/pkg/provider/stt"
	"github.com/MrWong99/echojourney/pkg/provider/tts"
	"github.com/MrWong99/echojourney/pkg/types"
)

// TranscriberFallback implements [stt.Provider] with automatic failover across
// multiple STT backends. Each backend has its own circuit breaker.
//
// An optional acceptance check turns a successful but unusable transcript into
// a soft failure, so the backup backend gets a chance before the student is
// asked to repeat.
type TranscriberFallback struct {
	group  *FallbackGroup[stt.Provider]
	accept func(string) error
}

var _ stt.Provider = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend. accept may be nil.
func NewTranscriberFallback(primary stt.Provider, primaryName string, cfg FallbackConfig, accept func(text string) error) *TranscriberFallback {
	return &TranscriberFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		accept: accept,
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *TranscriberFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every backend.
func (f *TranscriberFallback) States() map[string]State {
	return f.group.States()
}

// Transcribe tries each healthy backend in turn until one returns an
// acceptable transcript.
func (f *TranscriberFallback) Transcribe(ctx context.Context, clip types.AudioClip, hint string) (string, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (string, error) {
		text, err := p.Transcribe(ctx, clip, hint)
		if err != nil {
			return "", err
		}
		if f.accept != nil {
			if err := f.accept(text); err != nil {
				return "", fmt.Errorf("%w: %q: %v", ErrRejected, text, err)
			}
		}
		return text, nil
	})
}

// SynthesizerFallback implements [tts.Provider] with automatic failover across
// multiple TTS backends. Each backend has its own circuit breaker.
type SynthesizerFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*SynthesizerFallback)(nil)

// NewSynthesizerFallback creates a [SynthesizerFallback] with primary as the
// preferred backend.
func NewSynthesizerFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *SynthesizerFallback {
	return &SynthesizerFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *SynthesizerFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every backend.
func (f *SynthesizerFallback) States() map[string]State {
	return f.group.States()
}

// Synthesize renders text with the first healthy backend.
func (f *SynthesizerFallback) Synthesize(ctx context.Context, text string, voice types.Voice, platform types.Platform) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice, platform)
	})
}
