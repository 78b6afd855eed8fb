// Package mock provides a test double for the scorer.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echojourney/pkg/provider/scorer"
	"github.com/MrWong99/echojourney/pkg/types"
)

// ScoreCall records a single invocation of Score.
type ScoreCall struct {
	Clip      types.AudioClip
	Reference string
}

// Provider is a mock implementation of scorer.Provider.
type Provider struct {
	mu sync.Mutex

	// Scores is returned by every successful call.
	Scores *types.Scores

	// Err, if non-nil, is returned from Score.
	Err error

	// Calls records every call to Score.
	Calls []ScoreCall
}

// Score records the call and returns Scores, Err.
func (p *Provider) Score(_ context.Context, clip types.AudioClip, reference string) (*types.Scores, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, ScoreCall{Clip: clip, Reference: reference})
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Scores, nil
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var _ scorer.Provider = (*Provider)(nil)
