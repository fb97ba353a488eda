package meetings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetnote/meetnote/cmd/server/internal/audio"
	"github.com/meetnote/meetnote/cmd/server/internal/diarization"
	"github.com/meetnote/meetnote/cmd/server/internal/summarize"
	"github.com/meetnote/meetnote/cmd/server/internal/transcription"
	"github.com/meetnote/meetnote/pkg/logger"
)

func TestMain(m *testing.M) {
	// the session loop writes structured pipeline logs
	if _, err := logger.Init(logger.Config{Level: "error", Environment: "test"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeSource serves pre-queued chunks and reports complete once drained or
// stopped.
type fakeSource struct {
	mu      sync.Mutex
	chunks  [][]byte
	meta    audio.Metadata
	stopped bool
}

func (f *fakeSource) GetChunk(timeout time.Duration) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || len(f.chunks) == 0 {
		return nil
	}
	c := f.chunks[0]
	f.chunks = f.chunks[1:]
	return c
}

func (f *fakeSource) Metadata() audio.Metadata { return f.meta }

func (f *fakeSource) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped || len(f.chunks) == 0
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

// fakeChunkTranscriber produces one segment per chunk with a fixed duration.
type fakeChunkTranscriber struct {
	mu           sync.Mutex
	chunkSeconds int
	segDur       float64
	silent       bool
	err          error
	offsets      []float64
}

func (f *fakeChunkTranscriber) TranscribeChunk(ctx context.Context, audioPath string, offset float64) ([]transcription.Segment, string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, "", 0, f.err
	}
	f.offsets = append(f.offsets, offset)
	if f.silent {
		return nil, "", 0, nil
	}
	return []transcription.Segment{
		{Start: offset, End: offset + f.segDur, Text: "chunk speech"},
	}, "en", f.segDur, nil
}

func (f *fakeChunkTranscriber) ChunkSeconds() int { return f.chunkSeconds }

func (f *fakeChunkTranscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offsets)
}

func (f *fakeChunkTranscriber) recordedOffsets() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.offsets...)
}

// scriptedRealtimeStream returns one annotation set per feed, repeating the
// last.
type scriptedRealtimeStream struct {
	feeds int
	sets  [][]diarization.Annotation
}

func (s *scriptedRealtimeStream) StartStream(sampleRate int) error { return nil }

func (s *scriptedRealtimeStream) FeedChunk(pcm []byte, sampleRate, channels int) ([]diarization.Annotation, error) {
	idx := s.feeds
	s.feeds++
	if idx >= len(s.sets) {
		idx = len(s.sets) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	return s.sets[idx], nil
}

func (s *scriptedRealtimeStream) StopStream() ([]diarization.Annotation, error) {
	if len(s.sets) == 0 {
		return nil, nil
	}
	return s.sets[len(s.sets)-1], nil
}

func (s *scriptedRealtimeStream) StepSeconds() float64 { return 1.0 }
func (s *scriptedRealtimeStream) Name() string         { return "scripted" }

func disabledRealtime() *diarization.Realtime {
	return diarization.NewRealtime(false, nil)
}

func newTestManager(t *testing.T, tr ChunkTranscriber, rt func() *diarization.Realtime) (*Manager, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "meetings.json"))
	require.NoError(t, err)
	batch, err := diarization.NewBatchProvider(diarization.BackendNone, diarization.BatchOptions{})
	require.NoError(t, err)
	fin := NewFinalizer(store, batch, summarize.NewMockProvider(), 0, 0, 0)
	return NewManager(store, tr, rt, fin, t.TempDir()), store
}

func pcmSeconds(seconds float64, rate, channels int) []byte {
	return make([]byte, int(seconds*float64(rate*channels*2)))
}

func TestSessionHappyPath(t *testing.T) {
	// 5s of audio in 0.5s chunks against a 2s threshold: 2s + 2s + 1s tail
	src := &fakeSource{meta: audio.Metadata{SampleRate: 16000, Channels: 1, SessionID: "s1"}}
	for i := 0; i < 10; i++ {
		src.chunks = append(src.chunks, pcmSeconds(0.5, 16000, 1))
	}
	tr := &fakeChunkTranscriber{chunkSeconds: 2, segDur: 2.0}
	mgr, store := newTestManager(t, tr, disabledRealtime)

	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)

	require.True(t, mgr.StartSession(m.ID, src))
	mgr.Wait(m.ID)

	assert.Equal(t, 3, tr.calls(), "2s + 2s + 1s remainder = exactly 3 transcribe calls")
	assert.Equal(t, []float64{0, 2, 4}, tr.recordedOffsets())

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.Len(t, got.Transcript.Segments, 3)
	for i := 1; i < len(got.Transcript.Segments); i++ {
		assert.GreaterOrEqual(t, got.Transcript.Segments[i].Start, got.Transcript.Segments[i-1].Start)
	}

	assert.Equal(t, PhaseIdle, mgr.Status(m.ID), "finalizing set must be empty after completion")
	assert.Zero(t, mgr.ActiveCount())
}

func TestSessionStopMidChunkFlushesOnce(t *testing.T) {
	src := &fakeSource{meta: audio.Metadata{SampleRate: 16000, Channels: 1}}
	src.chunks = append(src.chunks, pcmSeconds(0.5, 16000, 1)) // below 2s threshold
	tr := &fakeChunkTranscriber{chunkSeconds: 2, segDur: 0.5}
	mgr, store := newTestManager(t, tr, disabledRealtime)

	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)

	require.True(t, mgr.StartSession(m.ID, src))
	mgr.Stop(m.ID)
	mgr.Wait(m.ID)

	assert.Equal(t, 1, tr.calls(), "partial buffer flushed exactly once, not dropped, not doubled")

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.Len(t, got.Transcript.Segments, 1)
}

func TestSessionSilentChunksAdvanceOffsetByPCM(t *testing.T) {
	src := &fakeSource{meta: audio.Metadata{SampleRate: 16000, Channels: 1}}
	for i := 0; i < 8; i++ {
		src.chunks = append(src.chunks, pcmSeconds(0.5, 16000, 1))
	}
	tr := &fakeChunkTranscriber{chunkSeconds: 2, silent: true}
	mgr, store := newTestManager(t, tr, disabledRealtime)

	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)
	require.True(t, mgr.StartSession(m.ID, src))
	mgr.Wait(m.ID)

	// silent chunks report zero duration; the offset falls back to the
	// PCM byte length so it never stalls
	assert.Equal(t, []float64{0, 2}, tr.recordedOffsets())
}

func TestSessionDuplicateStartIsNonFatal(t *testing.T) {
	src := &fakeSource{meta: audio.Metadata{SampleRate: 16000, Channels: 1}}
	for i := 0; i < 200; i++ {
		src.chunks = append(src.chunks, pcmSeconds(0.5, 16000, 1))
	}
	tr := &fakeChunkTranscriber{chunkSeconds: 2, segDur: 2.0}
	mgr, store := newTestManager(t, tr, disabledRealtime)

	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)

	require.True(t, mgr.StartSession(m.ID, src))
	assert.False(t, mgr.StartSession(m.ID, &fakeSource{meta: audio.Metadata{SampleRate: 16000, Channels: 1}}))

	mgr.Stop(m.ID)
	mgr.Wait(m.ID)
}

func TestSessionErrorForcesCompleted(t *testing.T) {
	src := &fakeSource{meta: audio.Metadata{SampleRate: 16000, Channels: 1}}
	for i := 0; i < 4; i++ {
		src.chunks = append(src.chunks, pcmSeconds(0.5, 16000, 1))
	}
	tr := &fakeChunkTranscriber{chunkSeconds: 2, err: errors.New("model exploded")}
	mgr, store := newTestManager(t, tr, disabledRealtime)

	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)
	require.True(t, mgr.StartSession(m.ID, src))
	mgr.Wait(m.ID)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status, "a failed session never leaves the meeting in_progress")
	assert.Zero(t, mgr.ActiveCount(), "registry removal is part of the error path")

	var sawError bool
	for _, ev := range store.Events().Since(0) {
		if ev.Type == EventError {
			sawError = true
		}
	}
	assert.True(t, sawError, "observers get an error event")
}

// blockingSummarizer holds the summary stage open until released.
type blockingSummarizer struct {
	release chan struct{}
}

func (b *blockingSummarizer) Summarize(ctx context.Context, transcript string) (*summarize.Summary, error) {
	<-b.release
	return &summarize.Summary{Overview: "ok"}, nil
}

func (b *blockingSummarizer) GenerateTitle(ctx context.Context, transcript string) (string, error) {
	return "title", nil
}

func (b *blockingSummarizer) CleanupTranscript(ctx context.Context, transcript string) (string, error) {
	return transcript, nil
}

func (b *blockingSummarizer) SegmentTopics(ctx context.Context, transcript string) ([]summarize.Topic, error) {
	return nil, nil
}

func (b *blockingSummarizer) Name() string { return "blocking" }

func TestWaitCoversFinalization(t *testing.T) {
	src := &fakeSource{meta: audio.Metadata{SampleRate: 16000, Channels: 1}}
	for i := 0; i < 4; i++ {
		src.chunks = append(src.chunks, pcmSeconds(0.5, 16000, 1))
	}
	tr := &fakeChunkTranscriber{chunkSeconds: 2, segDur: 2.0}

	store, err := NewStore(filepath.Join(t.TempDir(), "meetings.json"))
	require.NoError(t, err)
	batch, err := diarization.NewBatchProvider(diarization.BackendNone, diarization.BatchOptions{})
	require.NoError(t, err)
	slow := &blockingSummarizer{release: make(chan struct{})}
	fin := NewFinalizer(store, batch, slow, 0, 0, 0)
	mgr := NewManager(store, tr, disabledRealtime, fin, t.TempDir())

	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)
	require.True(t, mgr.StartSession(m.ID, src))

	require.Eventually(t, func() bool {
		return mgr.Status(m.ID) == PhaseFinalizing
	}, 2*time.Second, 5*time.Millisecond)

	waitDone := make(chan struct{})
	go func() {
		mgr.Wait(m.ID)
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("Wait returned while finalization was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(slow.release)
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after finalization finished")
	}
	assert.Equal(t, PhaseIdle, mgr.Status(m.ID))
}

func TestSessionRetroactiveReconciliation(t *testing.T) {
	// 4s of audio, 2s threshold: two chunks. The stream provider relabels
	// the whole meeting on the second chunk's feeds.
	src := &fakeSource{meta: audio.Metadata{SampleRate: 16000, Channels: 1}}
	for i := 0; i < 8; i++ {
		src.chunks = append(src.chunks, pcmSeconds(0.5, 16000, 1))
	}
	tr := &fakeChunkTranscriber{chunkSeconds: 2, segDur: 2.0}

	stream := &scriptedRealtimeStream{sets: [][]diarization.Annotation{
		{{Start: 0, End: 100, Speaker: "SPEAKER_00"}},
		{{Start: 0, End: 100, Speaker: "SPEAKER_00"}},
		{{Start: 0, End: 2, Speaker: "SPEAKER_01"}, {Start: 2, End: 100, Speaker: "SPEAKER_00"}},
	}}
	rtFactory := func() *diarization.Realtime {
		return diarization.NewRealtime(true, func() (diarization.StreamProvider, error) {
			return stream, nil
		})
	}
	mgr, store := newTestManager(t, tr, rtFactory)

	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)
	require.True(t, mgr.StartSession(m.ID, src))
	mgr.Wait(m.ID)

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	require.Len(t, got.Transcript.Segments, 2)
	assert.Equal(t, "SPEAKER_01", got.Transcript.Segments[0].Speaker,
		"the first segment's label is retroactively corrected")
	assert.Equal(t, "SPEAKER_00", got.Transcript.Segments[1].Speaker)
}
