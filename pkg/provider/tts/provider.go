// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (OpenAI, ElevenLabs, or a
// local Coqui server) and turns one localized utterance into an encoded
// audio blob that clients can play directly. shapetutor narrates short,
// complete sentences (a detection result, a touched feature), so the
// interface is single-shot rather than streaming.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/shapetutor/shapetutor/pkg/types"
)

// ErrEmptyText is returned by providers when asked to synthesise nothing.
var ErrEmptyText = errors.New("tts: text must not be empty")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text, written in voice.Language, into encoded audio
	// bytes (MP3 or WAV depending on the backend). It returns an error if the
	// backend cannot be reached, rejects the request, or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)
}
