package meetings

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetnote/meetnote/cmd/server/internal/audio"
	"github.com/meetnote/meetnote/cmd/server/internal/diarization"
	"github.com/meetnote/meetnote/cmd/server/internal/metrics"
	"github.com/meetnote/meetnote/cmd/server/internal/transcription"
	"github.com/meetnote/meetnote/pkg/logger"
)

// pullTimeout bounds every GetChunk call so a stop request is observed
// within one interval, never one chunk duration.
const pullTimeout = 200 * time.Millisecond

// Session phase names reported by Status.
const (
	PhaseTranscribing = "transcribing"
	PhaseFinalizing   = "finalizing"
	PhaseIdle         = "idle"
)

// ChunkTranscriber is the slice of the transcription pipeline the session
// loop depends on. *transcription.Pipeline satisfies it.
type ChunkTranscriber interface {
	TranscribeChunk(ctx context.Context, audioPath string, offset float64) ([]transcription.Segment, string, float64, error)
	ChunkSeconds() int
}

type session struct {
	meetingID string
	source    audio.Source
	done      chan struct{}
}

// Manager runs one orchestration loop per active meeting: chunk
// accumulation, transcription, real-time diarization with retroactive
// reconciliation, and handoff to finalization. The active and finalizing
// sets are tracked separately so status queries can tell the phases apart.
type Manager struct {
	store       *Store
	transcriber ChunkTranscriber
	rtFactory   func() *diarization.Realtime
	finalizer   *Finalizer
	tmpDir      string

	mu         sync.Mutex
	active     map[string]*session
	finalizing map[string]*session
}

// NewManager wires the session loop's collaborators. rtFactory must return
// a fresh Realtime per call: instances are never shared across sessions.
func NewManager(store *Store, transcriber ChunkTranscriber, rtFactory func() *diarization.Realtime, finalizer *Finalizer, tmpDir string) *Manager {
	m := &Manager{
		store:       store,
		transcriber: transcriber,
		rtFactory:   rtFactory,
		finalizer:   finalizer,
		tmpDir:      tmpDir,
		active:      make(map[string]*session),
		finalizing:  make(map[string]*session),
	}
	finalizer.SetBusyCheck(m.Busy)
	return m
}

// StartSession launches the orchestration loop for one meeting on its own
// goroutine. A loop already running for the meeting is non-fatal: the call
// reports false and the existing session continues untouched.
func (m *Manager) StartSession(meetingID string, source audio.Source) bool {
	m.mu.Lock()
	if _, exists := m.active[meetingID]; exists {
		m.mu.Unlock()
		log.Printf("[SESSION] meeting %s already transcribing", meetingID)
		return false
	}
	sess := &session{meetingID: meetingID, source: source, done: make(chan struct{})}
	m.active[meetingID] = sess
	m.mu.Unlock()

	metrics.SessionStarted()
	go m.run(sess)
	return true
}

// Stop requests a cooperative stop: the source is signalled and the call
// returns immediately. Audio already pulled keeps processing to completion
// in the background.
func (m *Manager) Stop(meetingID string) bool {
	m.mu.Lock()
	sess, ok := m.active[meetingID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.source.Stop()
	return true
}

// Status reports which phase a meeting is in right now.
func (m *Manager) Status(meetingID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[meetingID]; ok {
		return PhaseTranscribing
	}
	if _, ok := m.finalizing[meetingID]; ok {
		return PhaseFinalizing
	}
	return PhaseIdle
}

// Busy reports whether a live session or inline finalization currently owns
// the meeting. The background sweep uses this as its skip predicate.
func (m *Manager) Busy(meetingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[meetingID]; ok {
		return true
	}
	_, ok := m.finalizing[meetingID]
	return ok
}

// ActiveCount returns the number of running transcription loops.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until the meeting's session goroutine has fully exited,
// including inline finalization. No-op if nothing is running.
func (m *Manager) Wait(meetingID string) {
	m.mu.Lock()
	sess, ok := m.active[meetingID]
	if !ok {
		sess, ok = m.finalizing[meetingID]
	}
	m.mu.Unlock()
	if ok {
		<-sess.done
	}
}

// StopAll signals every active session and waits for them to drain. Used at
// graceful shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.active))
	for _, sess := range m.active {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.source.Stop()
	}
	for _, sess := range sessions {
		<-sess.done
	}
}

// deregister removes a failed session from the active set without entering
// the finalizing phase. The happy path swaps active -> finalizing instead.
func (m *Manager) deregister(meetingID string) {
	m.mu.Lock()
	_, was := m.active[meetingID]
	delete(m.active, meetingID)
	m.mu.Unlock()
	if was {
		metrics.SessionEnded()
	}
}

// run is the orchestration loop for one session.
func (m *Manager) run(sess *session) {
	defer close(sess.done)

	meetingID := sess.meetingID
	if err := m.runLoop(sess); err != nil {
		// 任何未处理错误：记录、发事件、强制 completed，绝不留下 in_progress
		log.Printf("[SESSION] meeting %s failed: %v", meetingID, err)
		metrics.RecordError("session", "loop_failure")
		m.store.PublishError(meetingID)
		if cerr := m.store.CompleteMeeting(meetingID); cerr != nil {
			log.Printf("[SESSION] force-complete %s: %v", meetingID, cerr)
		}
		m.deregister(meetingID)
		return
	}

	// move from active to finalizing in one step: a new session for the same
	// target is not blocked while the slow stages run, and Wait keeps a
	// handle on the goroutine until finalization is done too
	m.mu.Lock()
	delete(m.active, meetingID)
	m.finalizing[meetingID] = sess
	m.mu.Unlock()
	metrics.SessionEnded()
	defer func() {
		m.mu.Lock()
		delete(m.finalizing, meetingID)
		m.mu.Unlock()
	}()

	if err := m.finalizer.FinalizeMeeting(context.Background(), meetingID); err != nil {
		log.Printf("[SESSION] finalize %s: %v", meetingID, err)
	}
}

// runLoop drives chunk accumulation until the source completes, then
// flushes the tail and completes the meeting.
func (m *Manager) runLoop(sess *session) error {
	meetingID := sess.meetingID
	md := sess.source.Metadata()
	if md.SampleRate <= 0 || md.Channels <= 0 {
		return fmt.Errorf("invalid audio metadata: rate=%d channels=%d", md.SampleRate, md.Channels)
	}
	bytesPerSecond := md.SampleRate * md.Channels * 2
	threshold := m.transcriber.ChunkSeconds() * bytesPerSecond

	// 每个会话独立的实时分离实例
	rt := m.rtFactory()
	rt.Start(md.SampleRate, md.Channels)
	log.Printf("[SESSION] meeting %s started (rate=%d ch=%d threshold=%dB)",
		meetingID, md.SampleRate, md.Channels, threshold)

	var (
		buf         []byte
		offset      float64
		lastAnnSize int
	)

	for !sess.source.IsComplete() {
		chunk := sess.source.GetChunk(pullTimeout)
		if chunk == nil {
			continue
		}
		buf = append(buf, chunk...)
		if len(buf) < threshold {
			continue
		}
		if err := m.processChunk(meetingID, buf, md, rt, &offset, &lastAnnSize); err != nil {
			rt.Stop()
			return err
		}
		buf = nil
	}

	// flush the partial tail exactly once through the same path
	if len(buf) > 0 {
		if err := m.processChunk(meetingID, buf, md, rt, &offset, &lastAnnSize); err != nil {
			rt.Stop()
			return err
		}
	}

	if final := rt.Stop(); len(final) > lastAnnSize {
		if _, err := m.store.ReconcileSpeakers(meetingID, final); err != nil {
			log.Printf("[SESSION] final reconcile %s: %v", meetingID, err)
		}
	}

	return m.store.CompleteMeeting(meetingID)
}

// processChunk materializes the buffer to a temp file, transcribes it,
// annotates segments with the current speaker estimate, persists, and
// reconciles retroactive corrections.
func (m *Manager) processChunk(meetingID string, buf []byte, md audio.Metadata, rt *diarization.Realtime, offset *float64, lastAnnSize *int) error {
	start := time.Now()
	tmpPath := filepath.Join(m.tmpDir, fmt.Sprintf("chunk-%s.wav", uuid.NewString()))
	if err := audio.WriteWavFile(tmpPath, buf, md.SampleRate, md.Channels); err != nil {
		return fmt.Errorf("write chunk file: %w", err)
	}
	defer os.Remove(tmpPath)

	segs, lang, chunkDur, err := m.transcriber.TranscribeChunk(context.Background(), tmpPath, *offset)
	if err != nil {
		metrics.RecordChunkProcessed("session", false)
		logger.LogAudioPipeline(logger.L(), "transcribe", "error", meetingID,
			time.Since(start).Milliseconds(), "TRANSCRIBE_ERROR")
		return err
	}

	anns := rt.FeedAudio(buf)

	labeled := transcription.ApplyDiarization(segs, anns)
	stored := make([]Segment, 0, len(labeled))
	for _, seg := range labeled {
		stored = append(stored, Segment{
			Start:   seg.Start,
			End:     seg.End,
			Text:    seg.Text,
			Speaker: seg.Speaker,
		})
	}
	if err := m.store.AppendLiveSegments(meetingID, stored, lang); err != nil {
		return fmt.Errorf("append segments: %w", err)
	}

	// a larger annotation set may retroactively relabel persisted segments
	if len(anns) > *lastAnnSize {
		if _, err := m.store.ReconcileSpeakers(meetingID, anns); err != nil {
			log.Printf("[SESSION] reconcile %s: %v", meetingID, err)
		}
		*lastAnnSize = len(anns)
	}

	// advance by audio duration, not wall clock; silent chunks fall back
	// to the PCM byte length so the offset never stalls
	if chunkDur > 0 {
		*offset += chunkDur
	} else {
		*offset += audio.DurationSeconds(len(buf), md.SampleRate, md.Channels)
	}

	metrics.RecordChunkProcessed("session", true)
	metrics.RecordDuration("session", time.Since(start))
	logger.LogAudioPipeline(logger.L(), "transcribe", "success", meetingID,
		time.Since(start).Milliseconds(), "")
	return nil
}
