package audio

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// fileChunkSeconds is the fixed duration of chunks a FileSource yields.
const fileChunkSeconds = 0.5

// Metadata describes the PCM format a source yields.
type Metadata struct {
	SampleRate int    `json:"samplerate"`
	Channels   int    `json:"channels"`
	SessionID  string `json:"session_id"`
}

// Source is the uniform pull interface over audio origins. Both variants
// yield raw s16le PCM with identical framing so downstream consumers cannot
// distinguish live microphone capture from file playback.
//
// Contract: once Stop has been called, GetChunk returns nil and IsComplete
// reports true. Stop is idempotent and safe to call concurrently with an
// in-flight GetChunk.
type Source interface {
	// GetChunk blocks up to timeout and returns the next PCM chunk, or nil
	// when nothing is available yet or the source is complete.
	GetChunk(timeout time.Duration) []byte
	Metadata() Metadata
	IsComplete() bool
	Stop()
}

// MicSource adapts the capture service's live tap to the Source interface.
type MicSource struct {
	capture  *CaptureService
	tap      <-chan []byte
	meta     Metadata
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewMicSource snapshots the current recording session's tap and format.
// The live tap must be enabled before construction.
func NewMicSource(capture *CaptureService) *MicSource {
	return &MicSource{
		capture: capture,
		tap:     capture.TapChannel(),
		meta:    capture.Metadata(),
	}
}

func (m *MicSource) GetChunk(timeout time.Duration) []byte {
	if m.IsComplete() {
		// 停止后仍可能有残留数据在队列里，直接丢弃
		return nil
	}
	if m.tap == nil {
		return nil
	}
	select {
	case chunk := <-m.tap:
		return chunk
	case <-time.After(timeout):
		return nil
	}
}

func (m *MicSource) Metadata() Metadata { return m.meta }

// IsComplete is true once the capture-stopped flag is set, either through
// this source's Stop or the capture service stopping on its own.
func (m *MicSource) IsComplete() bool {
	return m.stopped.Load() || m.capture.IsStopped()
}

// Stop signals completion and halts the physical device.
func (m *MicSource) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		if err := m.capture.StopRecording(); err != nil {
			log.Printf("[SOURCE] stop recording err: %v", err)
		}
	})
}

// FileSource replays a recorded WAV file as fixed-duration chunks, converted
// to 16-bit PCM to match the mic format exactly. A speed percentage maps to
// an inter-chunk delay; the delay is interruptible so Stop wakes a sleeping
// GetChunk immediately.
type FileSource struct {
	meta       Metadata
	pcm        []byte
	pos        int
	chunkBytes int
	delay      time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewFileSource opens path and prepares chunked playback. speedPercent: 0
// means no delay, 100 real-time, above 100 faster than real-time.
func NewFileSource(path string, speedPercent int) (*FileSource, error) {
	if speedPercent < 0 {
		return nil, fmt.Errorf("invalid speed_percent %d", speedPercent)
	}
	pcm, sampleRate, channels, err := ReadWavFile(path)
	if err != nil {
		return nil, err
	}

	frameBytes := channels * 2
	chunkBytes := int(fileChunkSeconds * float64(sampleRate*frameBytes))
	chunkBytes -= chunkBytes % frameBytes // keep frame alignment
	if chunkBytes <= 0 {
		chunkBytes = frameBytes
	}

	var delay time.Duration
	if speedPercent > 0 {
		delay = time.Duration(fileChunkSeconds / (float64(speedPercent) / 100.0) * float64(time.Second))
	}

	return &FileSource{
		meta:       Metadata{SampleRate: sampleRate, Channels: channels, SessionID: uuid.NewString()},
		pcm:        pcm,
		chunkBytes: chunkBytes,
		delay:      delay,
		stopCh:     make(chan struct{}),
	}, nil
}

func (f *FileSource) GetChunk(timeout time.Duration) []byte {
	if f.IsComplete() {
		return nil
	}
	// pacing delay between chunks, interruptible by Stop
	if f.pos > 0 && f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-f.stopCh:
			return nil
		}
	}
	if f.stopped.Load() {
		return nil
	}
	end := f.pos + f.chunkBytes
	if end > len(f.pcm) {
		end = len(f.pcm)
	}
	chunk := f.pcm[f.pos:end]
	f.pos = end
	return chunk
}

func (f *FileSource) Metadata() Metadata { return f.meta }

func (f *FileSource) IsComplete() bool {
	return f.stopped.Load() || f.pos >= len(f.pcm)
}

func (f *FileSource) Stop() {
	f.stopOnce.Do(func() {
		f.stopped.Store(true)
		close(f.stopCh)
	})
}
