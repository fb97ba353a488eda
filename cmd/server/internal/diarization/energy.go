package diarization

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EnergyStream is a lightweight in-process streaming diarizer: it detects
// speech through per-window RMS energy and alternates speaker labels when a
// silence gap exceeds a threshold. A heuristic, not a speaker model — meant
// as the low-latency label source that the batch re-pass later corrects.
type EnergyStream struct {
	sampleRate int
	started    bool

	// analysis state, all in seconds of stream time
	cursor      float64
	inSpeech    bool
	speechStart float64
	lastVoiced  float64
	speakerIdx  int
	annotations []Annotation
}

const (
	energyStepSeconds   = 1.0   // caller-side buffering threshold
	energyWindowSeconds = 0.05  // RMS analysis window
	energyGapSeconds    = 0.75  // silence gap that flips the speaker
	energyCloseSeconds  = 0.30  // trailing silence that closes an interval
	energyRMSThreshold  = 350.0 // int16 scale
	energySpeakerCount  = 2
)

// NewEnergyStream builds an unstarted provider instance.
func NewEnergyStream() *EnergyStream {
	return &EnergyStream{}
}

func (e *EnergyStream) Name() string         { return "energy" }
func (e *EnergyStream) StepSeconds() float64 { return energyStepSeconds }

func (e *EnergyStream) StartStream(sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("%w: invalid sample rate %d", ErrConfiguration, sampleRate)
	}
	e.sampleRate = sampleRate
	e.started = true
	e.cursor = 0
	e.inSpeech = false
	e.speakerIdx = 0
	e.lastVoiced = -1
	e.annotations = nil
	return nil
}

// FeedChunk consumes s16le PCM and returns the current full annotation set.
func (e *EnergyStream) FeedChunk(pcm []byte, sampleRate, channels int) ([]Annotation, error) {
	if !e.started {
		return nil, fmt.Errorf("%w: stream not started", ErrProvider)
	}
	if channels <= 0 {
		channels = 1
	}
	windowFrames := int(energyWindowSeconds * float64(e.sampleRate))
	if windowFrames < 1 {
		windowFrames = 1
	}
	frameBytes := channels * 2
	windowBytes := windowFrames * frameBytes

	for off := 0; off+frameBytes <= len(pcm); off += windowBytes {
		end := off + windowBytes
		if end > len(pcm) {
			end = len(pcm) - (len(pcm)-off)%frameBytes
		}
		winDur := float64((end-off)/frameBytes) / float64(e.sampleRate)
		voiced := rms(pcm[off:end], channels) >= energyRMSThreshold
		e.advance(voiced, winDur)
	}

	return e.snapshot(), nil
}

// advance moves the analysis cursor across one window.
func (e *EnergyStream) advance(voiced bool, winDur float64) {
	winStart := e.cursor
	winEnd := e.cursor + winDur
	e.cursor = winEnd

	if voiced {
		if !e.inSpeech {
			// 静音间隔超过阈值 -> 轮换说话人
			if e.lastVoiced >= 0 && winStart-e.lastVoiced > energyGapSeconds {
				e.speakerIdx = (e.speakerIdx + 1) % energySpeakerCount
			}
			e.inSpeech = true
			e.speechStart = winStart
		}
		e.lastVoiced = winEnd
		return
	}
	if e.inSpeech && winEnd-e.lastVoiced >= energyCloseSeconds {
		e.closeInterval()
	}
}

func (e *EnergyStream) closeInterval() {
	if !e.inSpeech || e.lastVoiced <= e.speechStart {
		e.inSpeech = false
		return
	}
	e.annotations = append(e.annotations, Annotation{
		Start:   e.speechStart,
		End:     e.lastVoiced,
		Speaker: fmt.Sprintf("SPEAKER_%02d", e.speakerIdx),
	})
	e.inSpeech = false
}

// StopStream closes any open interval and returns the final annotation set.
func (e *EnergyStream) StopStream() ([]Annotation, error) {
	if !e.started {
		return nil, nil
	}
	e.closeInterval()
	e.started = false
	return e.snapshot(), nil
}

func (e *EnergyStream) snapshot() []Annotation {
	out := make([]Annotation, len(e.annotations))
	copy(out, e.annotations)
	// include the in-flight interval so lookups see the active speaker
	if e.inSpeech && e.lastVoiced > e.speechStart {
		out = append(out, Annotation{
			Start:   e.speechStart,
			End:     e.lastVoiced,
			Speaker: fmt.Sprintf("SPEAKER_%02d", e.speakerIdx),
		})
	}
	return out
}

// rms computes root-mean-square energy over interleaved s16le frames.
func rms(pcm []byte, channels int) float64 {
	frameBytes := channels * 2
	n := len(pcm) / frameBytes
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		// 多声道取首声道即可
		s := int16(binary.LittleEndian.Uint16(pcm[i*frameBytes:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
