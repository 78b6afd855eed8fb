// Package mock provides a test double for the stt.Provider interface.
//
// Configure Text/Err for a fixed answer or Results for a per-call script; every
// call is recorded for later inspection.
//
// Example:
//
//	p := &mock.Provider{Text: "你好"}
//	text, _ := p.Transcribe(ctx, clip, "")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echojourney/pkg/provider/stt"
	"github.com/MrWong99/echojourney/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Clip types.AudioClip
	Hint string
}

// Result is one scripted Transcribe answer.
type Result struct {
	Text string
	Err  error
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results is consumed in order, one entry per call. When exhausted, Text
	// and Err are returned.
	Results []Result

	// Text is the default transcript.
	Text string

	// Err is the default error.
	Err error

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(_ context.Context, clip types.AudioClip, hint string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{Clip: clip, Hint: hint})
	if len(p.Results) > 0 {
		r := p.Results[0]
		p.Results = p.Results[1:]
		return r.Text, r.Err
	}
	return p.Text, p.Err
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ stt.Provider = (*Provider)(nil)
