package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultModel     = "claude-haiku-4-5"
	apiVersion       = "2023-06-01"
	summaryMaxTokens = 4096
	cleanupMaxTokens = 8192
	titleMaxTokens   = 64
	titleMaxRunes    = 120
)

const summarySystemPrompt = `You summarize meeting transcripts. Respond with a single JSON object:
{"overview": "...", "key_points": ["..."], "action_items": [{"owner": "...", "text": "..."}]}
Keep the overview to a few sentences. Omit owner when unclear. No text outside the JSON.`

const titleSystemPrompt = `You title meeting transcripts. Respond with one short descriptive title on a single line. No quotes, no trailing punctuation.`

const cleanupSystemPrompt = `You clean up speech-to-text transcripts. Remove filler words and fix obvious recognition errors. Preserve speaker labels, line structure, and meaning. Respond with the cleaned transcript only.`

const topicsSystemPrompt = `You segment meeting transcripts by topic. Respond with a single JSON array:
[{"topic": "...", "summary": "...", "transcript": "..."}]
Each element covers one contiguous discussion topic with the transcript lines belonging to it. No text outside the JSON.`

// LLMClient implements Provider against an Anthropic-compatible messages
// API. The base URL is configurable so self-hosted gateways and tests can
// stand in for the hosted endpoint.
type LLMClient struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewLLMClient builds the client. An empty model selects the default.
func NewLLMClient(apiURL, apiKey, model string) *LLMClient {
	if model == "" {
		model = defaultModel
	}
	return &LLMClient{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}
}

func (c *LLMClient) Name() string { return "llm-http" }

// Summarize asks for a JSON summary and parses it. A response that is not
// valid JSON degrades to an overview-only summary rather than failing the
// finalization stage.
func (c *LLMClient) Summarize(ctx context.Context, transcript string) (*Summary, error) {
	text, err := c.complete(ctx, summarySystemPrompt,
		"Here is the meeting transcript to summarize:\n\n"+transcript, summaryMaxTokens)
	if err != nil {
		return nil, err
	}

	var summary Summary
	if err := json.Unmarshal([]byte(extractJSON(text)), &summary); err != nil {
		log.Printf("[SUMMARIZE] non-JSON summary response, keeping raw text: %v", err)
		return &Summary{Overview: strings.TrimSpace(text)}, nil
	}
	if strings.TrimSpace(summary.Overview) == "" {
		return nil, fmt.Errorf("%w: summary response has no overview", ErrProvider)
	}
	return &summary, nil
}

// GenerateTitle returns a single-line title, truncated to a sane length.
func (c *LLMClient) GenerateTitle(ctx context.Context, transcript string) (string, error) {
	text, err := c.complete(ctx, titleSystemPrompt,
		"Here is the meeting transcript to title:\n\n"+transcript, titleMaxTokens)
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	if title == "" {
		return "", fmt.Errorf("%w: empty title response", ErrProvider)
	}
	if runes := []rune(title); len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes])
	}
	return title, nil
}

// CleanupTranscript returns the cleaned transcript text.
func (c *LLMClient) CleanupTranscript(ctx context.Context, transcript string) (string, error) {
	text, err := c.complete(ctx, cleanupSystemPrompt, transcript, cleanupMaxTokens)
	if err != nil {
		return "", err
	}
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty cleanup response", ErrProvider)
	}
	return cleaned, nil
}

// SegmentTopics asks for a JSON topic breakdown. Unlike Summarize there is
// no raw-text fallback: callers treat a malformed breakdown as a provider
// error and fall back to single-pass summarization themselves.
func (c *LLMClient) SegmentTopics(ctx context.Context, transcript string) ([]Topic, error) {
	text, err := c.complete(ctx, topicsSystemPrompt,
		"Here is the meeting transcript to segment:\n\n"+transcript, cleanupMaxTokens)
	if err != nil {
		return nil, err
	}

	var topics []Topic
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &topics); err != nil {
		return nil, fmt.Errorf("%w: malformed topics response: %v", ErrProvider, err)
	}
	return topics, nil
}

type messageRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// complete runs one messages-API round trip and concatenates text blocks.
func (c *LLMClient) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	reqBody := messageRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []message{{Role: "user", Content: user}},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, string(respBody))
	}

	var apiResp messageResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrProvider, err)
	}

	var out strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("%w: empty model response", ErrProvider)
	}
	return out.String(), nil
}

// extractJSON strips markdown code fences and surrounding prose so a fenced
// JSON object still parses.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func extractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
