// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (e.g., a whisper.cpp
// server or Azure fast transcription) and exposes a uniform single-shot
// interface: one recorded student utterance in, one transcript out. Clients
// upload containerised audio (webm or m4a, see [types.Platform]) and the
// provider forwards it untouched.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/echojourney/pkg/types"
)

// ErrNoSpeech is returned when the backend answered successfully but did not
// recognise any speech in the clip. Callers treat it like any other
// transcription failure and ask the student to repeat.
var ErrNoSpeech = errors.New("stt: no speech recognised")

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe sends clip to the backend and returns the recognised text.
	//
	// hint is an optional expected-text prompt that biases recognition toward
	// the sentence the student is practising. Providers that do not support
	// prompting ignore it.
	//
	// An empty transcript is reported as [ErrNoSpeech], never as ("", nil).
	Transcribe(ctx context.Context, clip types.AudioClip, hint string) (string, error)
}
