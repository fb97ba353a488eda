// Package transcription provides an abstraction layer for speech-to-text
// services. It defines the transcriber interface plus the chunk pipeline that
// converts chunk-local timestamps into meeting time and merges speaker labels
// into transcribed segments.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Segment is a single transcribed interval. Start/End are seconds; whether
// they are chunk-local or meeting-absolute depends on which layer produced
// them (providers return chunk-local, the pipeline returns absolute).
type Segment struct {
	ID      int     `json:"id"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Result is the complete output of one transcription call.
type Result struct {
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
}

// Options are optional per-call transcription parameters. All fields are
// optional; implementations provide defaults.
type Options struct {
	// Model selects the recognition model (e.g. "ggml-base", "large-v3").
	Model string

	// Language forces a language (ISO 639-1). Empty means auto-detect.
	Language string

	// Prompt primes the model with domain terminology.
	Prompt string

	// Temperature controls decoding randomness. Zero keeps the backend
	// default (greedy decoding).
	Temperature float64

	// Timeout overrides the implementation's default request timeout.
	Timeout time.Duration
}

var (
	// ErrConfiguration marks unusable settings (unknown provider name,
	// missing URL). Surfaced at construction time, never retried.
	ErrConfiguration = errors.New("transcription configuration error")

	// ErrProvider marks a failure of the transcription call itself
	// (network, non-200 status, malformed response body).
	ErrProvider = errors.New("transcription provider error")
)

// Transcriber is the interface every speech-to-text backend implements.
//
// Implementations must respect context cancellation, must wrap failures in
// ErrProvider, and must treat an empty transcription as a valid Result with
// zero segments rather than an error.
type Transcriber interface {
	// Transcribe runs recognition over one WAV file (16kHz mono PCM
	// recommended) and returns segments with chunk-local timestamps.
	Transcribe(ctx context.Context, audioPath string, options *Options) (*Result, error)

	// HealthCheck reports whether the backend can serve requests right now.
	HealthCheck(ctx context.Context) (bool, error)

	// Name identifies the implementation in logs and monitoring.
	Name() string
}

// NewTranscriber resolves a provider name from configuration.
func NewTranscriber(provider, apiURL string) (Transcriber, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "whisper-http":
		if apiURL == "" {
			return nil, fmt.Errorf("%w: whisper-http requires an API URL", ErrConfiguration)
		}
		return NewWhisperHTTP(apiURL), nil
	case "mock":
		return NewMockTranscriber(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrConfiguration, provider)
	}
}
