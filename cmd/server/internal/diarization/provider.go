// Package diarization assigns speaker identity to time intervals of audio.
// It defines a batch (whole-file) provider used at finalization and a
// streaming provider used for real-time inference during live transcription.
package diarization

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Annotation is one speaker interval. Speaker lookup for a timestamp t
// matches the annotation where Start <= t < End.
type Annotation struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Contains reports whether ts falls inside the interval.
func (a Annotation) Contains(ts float64) bool {
	return a.Start <= ts && ts < a.End
}

var (
	// ErrConfiguration marks missing credentials/scripts/unsupported backend
	// names. Fail fast, surface to the caller, never retry automatically.
	ErrConfiguration = errors.New("diarization configuration error")

	// ErrProvider marks a failure inside a provider call (model error,
	// malformed output). Transient category.
	ErrProvider = errors.New("diarization provider error")
)

// BatchProvider runs whole-file diarization. Used by the finalization
// re-pass, not by the live path.
type BatchProvider interface {
	Diarize(ctx context.Context, audioPath string) ([]Annotation, error)
	Name() string
}

// StreamProvider runs incremental diarization over a PCM stream. The
// provider fixes its own internal step size; callers buffer to StepSeconds
// before feeding. FeedChunk and StopStream both return the current
// best-known full annotation set, which may retroactively reassign speakers
// for timestamps already delivered.
type StreamProvider interface {
	StartStream(sampleRate int) error
	FeedChunk(pcm []byte, sampleRate, channels int) ([]Annotation, error)
	StopStream() ([]Annotation, error)
	StepSeconds() float64
	Name() string
}

// Backend 后端枚举（按配置解析一次，不按调用分发字符串）
type Backend int

const (
	BackendNone Backend = iota
	BackendEnergy
	BackendPyannote
)

func (b Backend) String() string {
	switch b {
	case BackendEnergy:
		return "energy"
	case BackendPyannote:
		return "pyannote"
	default:
		return "none"
	}
}

// ParseBackend resolves a configured backend name to its enum value.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return BackendNone, nil
	case "energy":
		return BackendEnergy, nil
	case "pyannote":
		return BackendPyannote, nil
	default:
		return BackendNone, fmt.Errorf("%w: unsupported backend %q", ErrConfiguration, name)
	}
}

// BatchOptions carry the exec-provider knobs.
type BatchOptions struct {
	PythonPath string
	ScriptPath string
	Device     string
	Offline    bool
}

// NewBatchProvider resolves a batch provider for the backend.
func NewBatchProvider(b Backend, opts BatchOptions) (BatchProvider, error) {
	switch b {
	case BackendNone:
		return noopBatch{}, nil
	case BackendPyannote:
		return NewPyannoteProvider(opts)
	default:
		return nil, fmt.Errorf("%w: backend %s has no batch implementation", ErrConfiguration, b)
	}
}

// NewStreamProvider resolves a streaming provider for the backend.
func NewStreamProvider(b Backend) (StreamProvider, error) {
	switch b {
	case BackendNone:
		return &noopStream{}, nil
	case BackendEnergy:
		return NewEnergyStream(), nil
	default:
		return nil, fmt.Errorf("%w: backend %s has no streaming implementation", ErrConfiguration, b)
	}
}

// noopBatch returns no annotations.
type noopBatch struct{}

func (noopBatch) Diarize(ctx context.Context, audioPath string) ([]Annotation, error) {
	return nil, nil
}
func (noopBatch) Name() string { return "none" }

// noopStream accepts audio and never produces annotations.
type noopStream struct{}

func (*noopStream) StartStream(sampleRate int) error { return nil }
func (*noopStream) FeedChunk(pcm []byte, sampleRate, channels int) ([]Annotation, error) {
	return nil, nil
}
func (*noopStream) StopStream() ([]Annotation, error) { return nil, nil }
func (*noopStream) StepSeconds() float64              { return 1.0 }
func (*noopStream) Name() string                      { return "none" }
