package audio

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meetnote/meetnote/cmd/server/internal/metrics"
)

// LiveTapCapacity bounds the real-time mirror queue. When the queue is full
// the newest chunk is dropped (never the oldest), logged, and counted.
const LiveTapCapacity = 200

var (
	// ErrRecordingActive is returned when StartRecording is called while a
	// recording is already in progress. At most one recording owns the device.
	ErrRecordingActive = errors.New("recording already in progress")

	// ErrDevice marks audio-device/resource failures (missing ffmpeg, bad
	// channel count, device open failure). Configuration-class: never retried.
	ErrDevice = errors.New("audio device error")
)

// CaptureOptions parameterize one recording session.
type CaptureOptions struct {
	OutputPath string
	SampleRate int
	Channels   int
}

// CaptureService owns the physical input device. It launches ffmpeg producing
// raw s16le PCM on stdout, a reader goroutine feeding a bounded writer queue,
// and a writer goroutine persisting an incrementally-built WAV file. An
// optional live tap mirrors audio to real-time consumers without ever
// blocking the primary write path.
type CaptureService struct {
	ffmpegPath   string
	device       string
	queueSize    int
	flushTimeout time.Duration

	mu         sync.Mutex
	active     bool
	sessionID  string
	sampleRate int
	channels   int
	cmd        *exec.Cmd
	writerDone chan struct{}
	stopped    atomic.Bool // capture-stopped flag, observed by mic sources

	tapMu      sync.Mutex
	tapEnabled bool
	tap        chan []byte
}

// NewCaptureService builds a capture service bound to one ffmpeg input device.
func NewCaptureService(ffmpegPath, device string, queueSize int, flushTimeout time.Duration) *CaptureService {
	if queueSize <= 0 {
		queueSize = 512
	}
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	return &CaptureService{
		ffmpegPath:   ffmpegPath,
		device:       device,
		queueSize:    queueSize,
		flushTimeout: flushTimeout,
	}
}

// StartRecording validates the device parameters, opens the streaming input
// and starts the writer. Returns the session ID of the new recording.
// Device/channel/samplerate are validated once here; mid-recording changes
// are unsupported.
func (s *CaptureService) StartRecording(opts CaptureOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return "", ErrRecordingActive
	}
	if opts.Channels < 1 || opts.Channels > 2 {
		return "", fmt.Errorf("%w: unsupported channel count %d", ErrDevice, opts.Channels)
	}
	if opts.SampleRate <= 0 {
		return "", fmt.Errorf("%w: invalid sample rate %d", ErrDevice, opts.SampleRate)
	}
	if _, err := exec.LookPath(s.ffmpegPath); err != nil {
		return "", fmt.Errorf("%w: ffmpeg not found (%s)", ErrDevice, s.ffmpegPath)
	}

	wav, err := NewWavWriter(opts.OutputPath, opts.SampleRate, opts.Channels)
	if err != nil {
		return "", fmt.Errorf("%w: create output %s: %v", ErrDevice, opts.OutputPath, err)
	}

	// 单次启动 ffmpeg 持续输出 raw PCM (s16le)
	cmd := exec.Command(s.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "avfoundation", "-i", fmt.Sprintf(":%s", s.device),
		"-ac", fmt.Sprintf("%d", opts.Channels),
		"-ar", fmt.Sprintf("%d", opts.SampleRate),
		"-f", "s16le", "-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		wav.Close()
		return "", fmt.Errorf("%w: stdout pipe: %v", ErrDevice, err)
	}
	if err := cmd.Start(); err != nil {
		wav.Close()
		return "", fmt.Errorf("%w: start ffmpeg: %v", ErrDevice, err)
	}

	writerQ := make(chan []byte, s.queueSize)
	writerDone := make(chan struct{})

	s.active = true
	s.stopped.Store(false)
	s.sessionID = uuid.NewString()
	s.sampleRate = opts.SampleRate
	s.channels = opts.Channels
	s.cmd = cmd
	s.writerDone = writerDone

	go s.readerLoop(stdout, writerQ)
	go s.writerLoop(wav, writerQ, writerDone)

	log.Printf("[CAPTURE] recording started session=%s rate=%d ch=%d -> %s",
		s.sessionID, opts.SampleRate, opts.Channels, opts.OutputPath)
	return s.sessionID, nil
}

// readerLoop drains ffmpeg stdout into the writer queue and mirrors chunks
// to the live tap. Exits (and closes the writer queue) on EOF or read error.
func (s *CaptureService) readerLoop(stdout io.Reader, writerQ chan []byte) {
	buf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			writerQ <- chunk
			s.mirrorToTap(chunk)
		}
		if readErr != nil { // 设备结束
			if readErr != io.EOF {
				log.Printf("[CAPTURE] read err: %v", readErr)
			}
			close(writerQ)
			s.readerExited(readErr)
			return
		}
	}
}

// readerExited handles the input stream ending without a StopRecording call:
// ffmpeg crashed or the device disappeared. The capture-stopped flag flips so
// mic sources observe completion and drain, and the service goes inactive so
// the device is free for the next recording. After a user-issued stop the
// flags are already set and this is a no-op.
func (s *CaptureService) readerExited(readErr error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.stopped.Store(true)
	sessionID := s.sessionID
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()

	if cmd != nil {
		_ = cmd.Wait()
	}
	metrics.RecordError("capture", "DEVICE_LOST")
	log.Printf("[CAPTURE] input stream ended unexpectedly session=%s: %v", sessionID, readErr)
}

// writerLoop persists queued PCM into the WAV container.
func (s *CaptureService) writerLoop(wav *WavWriter, writerQ chan []byte, done chan struct{}) {
	defer close(done)
	for chunk := range writerQ {
		if err := wav.Write(chunk); err != nil {
			log.Printf("[CAPTURE] write err: %v", err)
			metrics.RecordError("capture", "WAV_WRITE_ERROR")
		}
	}
	if err := wav.Close(); err != nil {
		log.Printf("[CAPTURE] finalize wav err: %v", err)
	}
}

// StopRecording sets the capture-stopped flag, halts ffmpeg and waits for the
// writer to flush with a bounded timeout. Exceeding the timeout logs a
// warning and proceeds; the writer finishes in the background. Idempotent.
func (s *CaptureService) StopRecording() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.stopped.Store(true)
	cmd := s.cmd
	writerDone := s.writerDone
	s.cmd = nil
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	select {
	case <-writerDone:
	case <-time.After(s.flushTimeout):
		// Known best-effort limitation: the writer keeps flushing in the
		// background, the recording file may finalize slightly late.
		log.Printf("[CAPTURE] writer flush exceeded %s, proceeding", s.flushTimeout)
	}

	log.Printf("[CAPTURE] recording stopped session=%s", s.sessionID)
	return nil
}

// EnableLiveTap turns on the real-time mirror queue.
func (s *CaptureService) EnableLiveTap() {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	if s.tapEnabled {
		return
	}
	s.tap = make(chan []byte, LiveTapCapacity)
	s.tapEnabled = true
}

// DisableLiveTap turns off the mirror and clears any residual buffered data.
func (s *CaptureService) DisableLiveTap() {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	s.tapEnabled = false
	if s.tap != nil {
		for {
			select {
			case <-s.tap:
			default:
				s.tap = nil
				return
			}
		}
	}
}

// TapChannel returns the live tap queue (nil when the tap is disabled).
func (s *CaptureService) TapChannel() <-chan []byte {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	return s.tap
}

// mirrorToTap copies one chunk to the tap queue. Full queue -> drop the
// incoming (newest) chunk, log, count. Never blocks the caller.
func (s *CaptureService) mirrorToTap(chunk []byte) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	if !s.tapEnabled || s.tap == nil {
		return
	}
	select {
	case s.tap <- chunk:
	default:
		metrics.RecordTapDrop()
		log.Printf("[CAPTURE] live tap full, dropping chunk (%d bytes)", len(chunk))
	}
}

// IsStopped reports the capture-stopped flag of the current/last session.
func (s *CaptureService) IsStopped() bool { return s.stopped.Load() }

// IsActive reports whether a recording currently owns the device.
func (s *CaptureService) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Metadata describes the audio format of the current session.
func (s *CaptureService) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metadata{SampleRate: s.sampleRate, Channels: s.channels, SessionID: s.sessionID}
}
