// Package scorer defines the Provider interface for pronunciation-assessment
// backends.
//
// A scorer compares a recorded utterance against the reference text the
// student was asked to read and returns 0–100 sub-scores. Scores are advisory:
// they are attached to correction feedback but never gate the practice flow,
// so callers treat any error as "no scores available".
//
// Implementations must be safe for concurrent use.
package scorer

import (
	"context"

	"github.com/MrWong99/echojourney/pkg/types"
)

// Provider is the abstraction over any pronunciation-assessment backend.
type Provider interface {
	// Score assesses clip against reference and returns the sub-scores.
	Score(ctx context.Context, clip types.AudioClip, reference string) (*types.Scores, error)
}
