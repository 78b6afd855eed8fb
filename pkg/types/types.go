// Package types defines the shared types used across echojourney packages.
//
// These types form the lingua franca between the speech providers, the session
// orchestrator and the transport layer. Each package defines its own domain
// types; only cross-cutting data structures live here to avoid circular imports.
package types

import (
	"fmt"
	"strings"
)

// Platform identifies the client family that recorded an audio clip. The
// platform implies the container format of uploaded audio.
type Platform string

const (
	// PlatformWeb is a browser client recording webm/opus.
	PlatformWeb Platform = "web"

	// PlatformAndroid is the Android app, which also records webm.
	PlatformAndroid Platform = "android"

	// PlatformIOS is the iOS app, which records AAC in an m4a container.
	PlatformIOS Platform = "ios"
)

// ParsePlatform normalises a client-supplied platform tag. An empty tag maps
// to [PlatformWeb].
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PlatformWeb, nil
	case PlatformWeb, PlatformAndroid, PlatformIOS:
		return p, nil
	default:
		return "", fmt.Errorf("types: unknown platform %q", s)
	}
}

// Container returns the audio container extension uploaded by this platform
// ("webm" or "m4a").
func (p Platform) Container() string {
	if p == PlatformIOS {
		return "m4a"
	}
	return "webm"
}

// MIMEType returns the MIME type matching [Platform.Container].
func (p Platform) MIMEType() string {
	if p == PlatformIOS {
		return "audio/mp4"
	}
	return "audio/webm"
}

// Filename returns a synthetic upload filename carrying the right extension.
func (p Platform) Filename() string {
	return "audio." + p.Container()
}

// AudioClip is one recorded student utterance as received from a client.
type AudioClip struct {
	// Data holds the containerised audio bytes exactly as uploaded.
	Data []byte

	// Platform determines the container format of Data.
	Platform Platform
}

// Scores holds the sub-scores of a pronunciation assessment, each on a
// 0–100 scale.
type Scores struct {
	Accuracy     float64 `json:"accuracy"`
	Fluency      float64 `json:"fluency"`
	Completeness float64 `json:"completeness"`
	Prosody      float64 `json:"prosody"`
}

// Voice describes a TTS voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64
}
