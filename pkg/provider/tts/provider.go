// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui server) and turns one tutor utterance into a complete, playable audio
// file. Tutor replies are short, so the interface is batch rather than
// streaming: the orchestrator sends the audio together with the text in a
// single outbound message.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/echojourney/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns encoded audio
	// bytes. platform selects an output encoding the client can play; providers
	// that produce a single format ignore it.
	//
	// Returns an error if text is empty, the voice is unknown, or the backend
	// fails.
	Synthesize(ctx context.Context, text string, voice types.Voice, platform types.Platform) ([]byte, error)
}
