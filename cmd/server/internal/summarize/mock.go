package summarize

import (
	"context"
	"strconv"
	"strings"
)

// MockProvider is a deterministic offline provider. It lets the whole
// finalization path run without network access or credentials.
type MockProvider struct{}

// NewMockProvider creates the stateless mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Name() string { return "mock" }

// Summarize returns a placeholder summary derived from the transcript size.
func (m *MockProvider) Summarize(ctx context.Context, transcript string) (*Summary, error) {
	lines := nonEmptyLines(transcript)
	overview := "No speech was captured in this meeting."
	if len(lines) > 0 {
		overview = "Mock summary of a meeting with " + strconv.Itoa(len(lines)) + " transcript lines."
	}
	return &Summary{Overview: overview}, nil
}

// GenerateTitle titles from the first transcript line.
func (m *MockProvider) GenerateTitle(ctx context.Context, transcript string) (string, error) {
	lines := nonEmptyLines(transcript)
	if len(lines) == 0 {
		return "Untitled Meeting", nil
	}
	title := lines[0]
	if runes := []rune(title); len(runes) > 60 {
		title = string(runes[:60])
	}
	return title, nil
}

// CleanupTranscript passes the transcript through unchanged.
func (m *MockProvider) CleanupTranscript(ctx context.Context, transcript string) (string, error) {
	return transcript, nil
}

// SegmentTopics returns the whole transcript as one topic.
func (m *MockProvider) SegmentTopics(ctx context.Context, transcript string) ([]Topic, error) {
	if len(nonEmptyLines(transcript)) == 0 {
		return nil, nil
	}
	return []Topic{{
		Topic:      "Discussion",
		Summary:    "Mock topic summary.",
		Transcript: transcript,
	}}, nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}
