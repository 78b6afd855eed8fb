// Package transport carries session events between clients and the
// [session.Manager] over websocket connections.
//
// Every frame is a JSON [Envelope] whose type field selects the payload:
//
//	{"type": "student_message", "payload": {"text": "我想去咖啡店"}}
//	{"type": "audio_message",   "payload": {"audio": "<base64>"}}
//
// Outbound frames use "tutor_message" and "correct_message".
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/echojourney/internal/session"
	"github.com/MrWong99/echojourney/internal/syllable"
)

// Envelope type discriminators.
const (
	TypeStudent    = "student_message"
	TypeAudio      = "audio_message"
	TypeTutor      = "tutor_message"
	TypeCorrection = "correct_message"
)

// ErrUnknownType is returned by [Decode] for an envelope type the server does
// not accept.
var ErrUnknownType = errors.New("transport: unknown message type")

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StudentMessage is a typed utterance.
type StudentMessage struct {
	Text string `json:"text"`
}

// AudioMessage is a recorded attempt. The container is implied by the
// connection's platform; JSON carries the bytes base64 encoded.
type AudioMessage struct {
	Audio []byte `json:"audio"`
}

// TutorMessage is the wire form of [session.TutorMessage].
type TutorMessage struct {
	Text     string              `json:"text"`
	Expected []syllable.Syllable `json:"expected_messages,omitempty"`
	Audio    []byte              `json:"audio,omitempty"`
}

// MediaRef points at the demonstration clip of one mismatched component.
type MediaRef struct {
	Text   string `json:"text"`
	MP4URL string `json:"mp4_url"`
}

// CorrectMessage is the wire form of [session.CorrectionMessage].
type CorrectMessage struct {
	Suggestions string              `json:"suggestions"`
	Score       int                 `json:"score"`
	Expected    []syllable.Syllable `json:"expected_messages"`
	Actual      []syllable.Syllable `json:"messages"`

	Accuracy     *float64 `json:"accuracy_score,omitempty"`
	Fluency      *float64 `json:"fluency_score,omitempty"`
	Completeness *float64 `json:"completeness_score,omitempty"`
	Prosody      *float64 `json:"prosody_score,omitempty"`

	Media []MediaRef `json:"correct_mp4_info,omitempty"`
}

// Decode parses an inbound frame into a [StudentMessage] or an
// [AudioMessage].
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: decode envelope: %w", err)
	}
	switch env.Type {
	case TypeStudent:
		var m StudentMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("transport: decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeAudio:
		var m AudioMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("transport: decode %s: %w", env.Type, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode wraps an outbound session message in an [Envelope].
func Encode(msg session.Message) (Envelope, error) {
	var (
		typ     string
		payload any
	)
	switch m := msg.(type) {
	case session.TutorMessage:
		typ = TypeTutor
		payload = TutorMessage{Text: m.Text, Expected: m.Expected, Audio: m.Audio}
	case session.CorrectionMessage:
		typ = TypeCorrection
		payload = correction(m)
	default:
		return Envelope{}, fmt.Errorf("transport: encode: unsupported message %T", msg)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: encode %s: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

func correction(m session.CorrectionMessage) CorrectMessage {
	out := CorrectMessage{
		Suggestions: m.Suggestions,
		Score:       m.Score,
		Expected:    m.Expected,
		Actual:      m.Actual,
	}
	if s := m.Scores; s != nil {
		out.Accuracy, out.Fluency = &s.Accuracy, &s.Fluency
		out.Completeness, out.Prosody = &s.Completeness, &s.Prosody
	}
	for _, key := range syllable.SortedKeys(m.Media) {
		out.Media = append(out.Media, MediaRef{Text: key, MP4URL: m.Media[key]})
	}
	return out
}
