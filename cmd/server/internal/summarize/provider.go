// Package summarize generates meeting summaries, titles, and cleaned
// transcripts through a language-model provider. Providers run only inside
// background finalization, never on the live path.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ActionItem is one follow-up extracted from the meeting.
type ActionItem struct {
	Owner string `json:"owner,omitempty"`
	Text  string `json:"text"`
}

// Summary is the structured output of a summarization call.
type Summary struct {
	Overview    string       `json:"overview"`
	KeyPoints   []string     `json:"key_points,omitempty"`
	ActionItems []ActionItem `json:"action_items,omitempty"`
}

// Topic is one thematic slice of the meeting produced by topic segmentation.
type Topic struct {
	Topic      string `json:"topic"`
	Summary    string `json:"summary"`
	Transcript string `json:"transcript"`
}

var (
	// ErrConfiguration marks unusable settings (unknown provider, missing
	// API key or URL). Surfaced at construction, never retried.
	ErrConfiguration = errors.New("summarize configuration error")

	// ErrProvider marks a failed model call or an unusable response.
	ErrProvider = errors.New("summarize provider error")
)

// Provider is the language-model surface the finalizer depends on. Each
// method takes the full plain-text transcript and must respect context
// cancellation.
type Provider interface {
	// Summarize produces the structured meeting summary.
	Summarize(ctx context.Context, transcript string) (*Summary, error)

	// GenerateTitle produces a short single-line meeting title.
	GenerateTitle(ctx context.Context, transcript string) (string, error)

	// CleanupTranscript removes filler words and fixes recognition noise
	// while preserving speaker structure and meaning.
	CleanupTranscript(ctx context.Context, transcript string) (string, error)

	// SegmentTopics splits the transcript into per-topic slices with their
	// own summaries, used for incremental summary promotion.
	SegmentTopics(ctx context.Context, transcript string) ([]Topic, error)

	Name() string
}

// NewProvider resolves a provider name from configuration.
func NewProvider(name, apiURL, apiKey, model string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "llm-http":
		if apiURL == "" {
			return nil, fmt.Errorf("%w: llm-http requires an API URL", ErrConfiguration)
		}
		if apiKey == "" {
			return nil, fmt.Errorf("%w: llm-http requires an API key", ErrConfiguration)
		}
		return NewLLMClient(apiURL, apiKey, model), nil
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrConfiguration, name)
	}
}
