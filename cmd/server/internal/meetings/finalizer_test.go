package meetings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetnote/meetnote/cmd/server/internal/diarization"
	"github.com/meetnote/meetnote/cmd/server/internal/summarize"
)

// scriptedBatch returns fixed annotations or an error.
type scriptedBatch struct {
	anns  []diarization.Annotation
	err   error
	calls int
}

func (b *scriptedBatch) Diarize(ctx context.Context, audioPath string) ([]diarization.Annotation, error) {
	b.calls++
	return b.anns, b.err
}
func (b *scriptedBatch) Name() string { return "scripted" }

// scriptedSummarizer counts calls and can fail selectively.
type scriptedSummarizer struct {
	summary      *summarize.Summary
	summaryErr   error
	title        string
	titleErr     error
	cleanupErr   error
	topicsErr    error
	summaryCalls int
	titleCalls   int
}

func (s *scriptedSummarizer) Summarize(ctx context.Context, transcript string) (*summarize.Summary, error) {
	s.summaryCalls++
	if s.summaryErr != nil {
		return nil, s.summaryErr
	}
	if s.summary != nil {
		return s.summary, nil
	}
	return &summarize.Summary{Overview: "scripted overview"}, nil
}

func (s *scriptedSummarizer) GenerateTitle(ctx context.Context, transcript string) (string, error) {
	s.titleCalls++
	if s.titleErr != nil {
		return "", s.titleErr
	}
	if s.title != "" {
		return s.title, nil
	}
	return "Scripted Title", nil
}

func (s *scriptedSummarizer) CleanupTranscript(ctx context.Context, transcript string) (string, error) {
	if s.cleanupErr != nil {
		return "", s.cleanupErr
	}
	return "cleaned: " + transcript, nil
}

func (s *scriptedSummarizer) SegmentTopics(ctx context.Context, transcript string) ([]summarize.Topic, error) {
	if s.topicsErr != nil {
		return nil, s.topicsErr
	}
	return []summarize.Topic{{Topic: "Main", Summary: "topic summary", Transcript: transcript}}, nil
}

func (s *scriptedSummarizer) Name() string { return "scripted" }

func finalizerFixture(t *testing.T, batch diarization.BatchProvider, sum summarize.Provider) (*Finalizer, *Store, *Meeting) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "meetings.json"))
	require.NoError(t, err)
	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)
	require.NoError(t, store.AppendLiveSegments(m.ID, []Segment{
		{Start: 0, End: 2, Text: "hello there", Speaker: "SPEAKER_00"},
		{Start: 2.5, End: 4, Text: "general remarks"},
	}, "en"))
	require.NoError(t, store.CompleteMeeting(m.ID))
	return NewFinalizer(store, batch, sum, 0, 0, 0), store, m
}

func stageStates(t *testing.T, store *Store, id string) map[string]string {
	t.Helper()
	m, err := store.Get(id)
	require.NoError(t, err)
	return m.Finalization
}

func TestFinalizeMeetingAllStages(t *testing.T) {
	batch := &scriptedBatch{anns: []diarization.Annotation{
		{Start: 0, End: 5, Speaker: "SPEAKER_01"},
	}}
	sum := &scriptedSummarizer{summary: &summarize.Summary{
		Overview:    "Team alignment call.",
		KeyPoints:   []string{"v2 shipped"},
		ActionItems: []summarize.ActionItem{{Owner: "kim", Text: "write changelog"}},
	}}
	fin, store, m := finalizerFixture(t, batch, sum)

	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))

	states := stageStates(t, store, m.ID)
	for _, stage := range StageOrder {
		assert.Equal(t, StageDone, states[stage], "stage %s", stage)
	}

	got, err := store.Get(m.ID)
	require.NoError(t, err)

	// diarization re-pass relabeled both segments
	assert.Equal(t, "SPEAKER_01", got.Transcript.Segments[0].Speaker)
	assert.Equal(t, "SPEAKER_01", got.Transcript.Segments[1].Speaker)

	require.NotNil(t, got.Summary)
	assert.Contains(t, got.Summary.Text, "Team alignment call.")
	assert.Contains(t, got.Summary.Text, "v2 shipped")
	assert.Equal(t, "scripted", got.Summary.Provider)
	require.Len(t, got.ActionItems, 1)
	assert.Equal(t, "write changelog", got.ActionItems[0].Description)
	assert.Equal(t, "kim", got.ActionItems[0].Assignee)

	assert.Equal(t, "Scripted Title", got.Title)
	assert.Equal(t, TitleSourceAuto, got.TitleSource)

	// summary-state promotion filled the scratch pipeline
	assert.NotEmpty(t, got.SummaryState.StreamingText)
	assert.Contains(t, got.SummaryState.DraftText, "cleaned: ")
	assert.Contains(t, got.SummaryState.InterimSummary, "topic summary")
	assert.Equal(t, "Team alignment call.", got.SummaryState.SummarizedSummary)
}

func TestFinalizeMeetingIdempotent(t *testing.T) {
	batch := &scriptedBatch{}
	sum := &scriptedSummarizer{}
	fin, store, m := finalizerFixture(t, batch, sum)

	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))
	firstSummary := sum.summaryCalls
	firstTitle := sum.titleCalls
	got, err := store.Get(m.ID)
	require.NoError(t, err)
	firstUpdated := got.Summary.UpdatedAt

	// all stages done: a second run performs no provider call, no mutation
	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))
	assert.Equal(t, firstSummary, sum.summaryCalls)
	assert.Equal(t, firstTitle, sum.titleCalls)
	got, err = store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, firstUpdated, got.Summary.UpdatedAt)
}

func TestFinalizeStageFailureIsIsolated(t *testing.T) {
	batch := &scriptedBatch{err: errors.New("no license")}
	sum := &scriptedSummarizer{}
	fin, store, m := finalizerFixture(t, batch, sum)

	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))

	states := stageStates(t, store, m.ID)
	assert.Equal(t, StageFailed, states[StageDiarization])
	assert.Equal(t, StageDone, states[StageSpeakerNames])
	assert.Equal(t, StageDone, states[StageSummary], "one stage's failure never blocks the others")
	assert.Equal(t, StageDone, states[StageTitle])

	// failed stages are not retried by a later pass
	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))
	assert.Equal(t, 1, batch.calls)
	assert.Equal(t, StageFailed, stageStates(t, store, m.ID)[StageDiarization])
}

func TestFinalizeSummaryFailureDoesNotBlockTitle(t *testing.T) {
	sum := &scriptedSummarizer{summaryErr: errors.New("rate limited")}
	fin, store, m := finalizerFixture(t, &scriptedBatch{}, sum)

	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))

	states := stageStates(t, store, m.ID)
	assert.Equal(t, StageFailed, states[StageSummary])
	assert.Equal(t, StageDone, states[StageTitle])

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Summary, "a failed summary stage writes no summary")
	assert.Equal(t, "Scripted Title", got.Title)
}

func TestFinalizeCleanupFailureIsBestEffort(t *testing.T) {
	sum := &scriptedSummarizer{cleanupErr: errors.New("timeout"), topicsErr: errors.New("timeout")}
	fin, store, m := finalizerFixture(t, &scriptedBatch{}, sum)

	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))

	states := stageStates(t, store, m.ID)
	assert.Equal(t, StageDone, states[StageSummary], "cleanup/topics failures never fail the stage")

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Summary)
	assert.NotContains(t, got.SummaryState.DraftText, "cleaned:", "raw text used when cleanup fails")
}

func TestFinalizeManualTitleIsPreserved(t *testing.T) {
	sum := &scriptedSummarizer{}
	fin, store, m := finalizerFixture(t, &scriptedBatch{}, sum)
	require.NoError(t, store.SetTitle(m.ID, "My Title", TitleSourceManual))

	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))

	assert.Zero(t, sum.titleCalls, "manual titles skip generation entirely")
	assert.Equal(t, StageDone, stageStates(t, store, m.ID)[StageTitle])
	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "My Title", got.Title)
	assert.Equal(t, TitleSourceManual, got.TitleSource)
}

func TestFinalizeSpeakerNamesSkipWithoutLabels(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "meetings.json"))
	require.NoError(t, err)
	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)
	require.NoError(t, store.AppendLiveSegments(m.ID, []Segment{
		{Start: 0, End: 1, Text: "unattributed"},
	}, ""))
	require.NoError(t, store.CompleteMeeting(m.ID))

	fin := NewFinalizer(store, &scriptedBatch{}, &scriptedSummarizer{}, 0, 0, 0)
	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))

	assert.Equal(t, StageDone, stageStates(t, store, m.ID)[StageSpeakerNames],
		"nothing to identify marks the stage done by skip")
}

func TestFinalizeEmptyTranscript(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "meetings.json"))
	require.NoError(t, err)
	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)
	require.NoError(t, store.CompleteMeeting(m.ID))

	sum := &scriptedSummarizer{}
	fin := NewFinalizer(store, &scriptedBatch{}, sum, 0, 0, 0)
	require.NoError(t, fin.FinalizeMeeting(context.Background(), m.ID))

	for stage, state := range stageStates(t, store, m.ID) {
		assert.Equal(t, StageDone, state, "stage %s", stage)
	}
	assert.Zero(t, sum.summaryCalls, "nothing to summarize")
	assert.Zero(t, sum.titleCalls)
	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Summary)
}
