// Package meetings holds the persisted meeting model, the JSON-backed store
// with its event log, the live transcription session manager, and the
// background finalizer.
package meetings

import (
	"fmt"
	"strings"
	"time"
)

// Meeting status values.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Title provenance.
const (
	TitleSourceDefault = "default"
	TitleSourceManual  = "manual"
	TitleSourceAuto    = "auto"
)

// Finalization stage names, in their fixed execution order.
const (
	StageDiarization  = "diarization"
	StageSpeakerNames = "speaker_names"
	StageSummary      = "summary"
	StageTitle        = "title"
)

// Finalization stage states. Failed stages are never auto-retried: that is
// what separates "nothing to do" from "tried and broke".
const (
	StagePending = "pending"
	StageDone    = "done"
	StageFailed  = "failed"
)

// StageOrder is the fixed stage execution order used by all finalization
// paths (inline and background sweep).
var StageOrder = []string{StageDiarization, StageSpeakerNames, StageSummary, StageTitle}

// Segment is one transcript interval in absolute meeting time. Within one
// transcript, segments are appended in processing order and start values are
// non-decreasing; reconciliation may rewrite Speaker but never Start/End/Text.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Transcript is the append-only segment sequence.
type Transcript struct {
	Language  string    `json:"language,omitempty"`
	Segments  []Segment `json:"segments"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attendee is one participant derived from speaker labels. The synthetic
// unknown attendee has an empty Label and buckets all unlabeled segments.
type Attendee struct {
	ID         string `json:"id"`
	Label      string `json:"label,omitempty"`
	Name       string `json:"name"`
	NameSource string `json:"name_source"`
}

// Summary is the finalized meeting summary.
type Summary struct {
	Text      string    `json:"text"`
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionItem is one follow-up extracted during summarization.
type ActionItem struct {
	Description string `json:"description"`
	Assignee    string `json:"assignee,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
}

// SummaryState is the incremental-summarization scratch space: text promoted
// stage to stage as topics close during finalization.
type SummaryState struct {
	StreamingText     string `json:"streaming_text,omitempty"`
	DraftText         string `json:"draft_text,omitempty"`
	DoneText          string `json:"done_text,omitempty"`
	InterimSummary    string `json:"interim_summary,omitempty"`
	SummarizedSummary string `json:"summarized_summary,omitempty"`
}

// Meeting is the central persisted entity.
type Meeting struct {
	ID               string       `json:"id"`
	CreatedAt        time.Time    `json:"created_at"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	Status           string       `json:"status"`
	Title            string       `json:"title"`
	TitleSource      string       `json:"title_source"`
	TitleGeneratedAt *time.Time   `json:"title_generated_at,omitempty"`
	AudioPath        string       `json:"audio_path"`
	SampleRate       int          `json:"samplerate"`
	Channels         int          `json:"channels"`
	Transcript       Transcript   `json:"transcript"`
	Attendees        []Attendee   `json:"attendees,omitempty"`
	Summary          *Summary     `json:"summary,omitempty"`
	ActionItems      []ActionItem `json:"action_items,omitempty"`
	SummaryState     SummaryState `json:"summary_state,omitempty"`

	// Finalization maps each stage name to pending|done|failed.
	Finalization map[string]string `json:"finalization"`
}

func newFinalization() map[string]string {
	f := make(map[string]string, len(StageOrder))
	for _, stage := range StageOrder {
		f[stage] = StagePending
	}
	return f
}

// attendeeName resolves a speaker label to its display name.
func (m *Meeting) attendeeName(label string) string {
	for _, a := range m.Attendees {
		if a.Label == label {
			return a.Name
		}
	}
	if label == "" {
		return "Unknown"
	}
	return label
}

// PlainTranscript renders the transcript as "Name: text" lines for the
// summarization provider.
func (m *Meeting) PlainTranscript() string {
	var b strings.Builder
	for _, s := range m.Transcript.Segments {
		fmt.Fprintf(&b, "%s: %s\n", m.attendeeName(s.Speaker), s.Text)
	}
	return b.String()
}

// clone returns a deep copy so store callers can never mutate the document
// behind the lock.
func (m *Meeting) clone() *Meeting {
	out := *m
	out.Transcript.Segments = append([]Segment(nil), m.Transcript.Segments...)
	out.Attendees = append([]Attendee(nil), m.Attendees...)
	out.ActionItems = append([]ActionItem(nil), m.ActionItems...)
	if m.Summary != nil {
		s := *m.Summary
		out.Summary = &s
	}
	if m.EndedAt != nil {
		t := *m.EndedAt
		out.EndedAt = &t
	}
	if m.TitleGeneratedAt != nil {
		t := *m.TitleGeneratedAt
		out.TitleGeneratedAt = &t
	}
	out.Finalization = make(map[string]string, len(m.Finalization))
	for k, v := range m.Finalization {
		out.Finalization[k] = v
	}
	return &out
}
