package diarization

import (
	"log"
	"sync"
)

// Realtime wraps a streaming provider for one recording session. It buffers
// fed audio to the provider's step size and keeps the current best-known full
// annotation set.
//
// A Realtime instance is created fresh per session and never shared: Stop
// resets every piece of internal state so a new session can never observe an
// old one, and the provider itself is constructed inside Start.
type Realtime struct {
	enabled bool
	factory func() (StreamProvider, error)

	mu          sync.Mutex
	active      bool
	provider    StreamProvider
	buf         []byte
	stepBytes   int
	sampleRate  int
	channels    int
	annotations []Annotation
}

// NewRealtime builds the session wrapper. When enabled is false, Start is a
// no-op returning false and every other call degrades to nothing.
func NewRealtime(enabled bool, factory func() (StreamProvider, error)) *Realtime {
	return &Realtime{enabled: enabled, factory: factory}
}

// Start constructs the underlying streaming provider. Returns false when
// diarization is disabled in configuration or a stream is already active.
func (r *Realtime) Start(sampleRate, channels int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || r.active {
		return false
	}
	provider, err := r.factory()
	if err != nil {
		log.Printf("[RT-SD] provider construction failed: %v", err)
		return false
	}
	if err := provider.StartStream(sampleRate); err != nil {
		log.Printf("[RT-SD] start stream failed: %v", err)
		return false
	}

	r.provider = provider
	r.sampleRate = sampleRate
	r.channels = channels
	r.stepBytes = int(provider.StepSeconds() * float64(sampleRate*channels*2))
	if r.stepBytes <= 0 {
		r.stepBytes = sampleRate * channels * 2
	}
	r.buf = nil
	r.annotations = nil
	r.active = true
	return true
}

// FeedAudio accumulates raw PCM, forwards through the provider once the
// internal step threshold is reached, and returns the current best-known
// FULL annotation set — callers always re-derive speaker-at-timestamp from
// the latest set, since later audio can retroactively change earlier labels.
func (r *Realtime) FeedAudio(pcm []byte) []Annotation {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return nil
	}
	r.buf = append(r.buf, pcm...)
	for len(r.buf) >= r.stepBytes {
		step := r.buf[:r.stepBytes]
		r.buf = r.buf[r.stepBytes:]
		anns, err := r.provider.FeedChunk(step, r.sampleRate, r.channels)
		if err != nil {
			log.Printf("[RT-SD] feed err: %v", err)
			continue
		}
		if anns != nil {
			r.annotations = anns
		}
	}
	return snapshotAnnotations(r.annotations)
}

// Stop finalizes the provider (flushing any buffered audio first), returns
// the last annotation set and resets all session state.
func (r *Realtime) Stop() []Annotation {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return snapshotAnnotations(r.annotations)
	}

	if len(r.buf) > 0 {
		if anns, err := r.provider.FeedChunk(r.buf, r.sampleRate, r.channels); err == nil && anns != nil {
			r.annotations = anns
		}
	}
	if anns, err := r.provider.StopStream(); err != nil {
		log.Printf("[RT-SD] stop stream err: %v", err)
	} else if anns != nil {
		r.annotations = anns
	}

	final := snapshotAnnotations(r.annotations)

	// 会话状态必须全部复位，避免跨会话串音
	r.active = false
	r.provider = nil
	r.buf = nil
	r.stepBytes = 0
	r.annotations = nil

	return final
}

func snapshotAnnotations(anns []Annotation) []Annotation {
	out := make([]Annotation, len(anns))
	copy(out, anns)
	return out
}
