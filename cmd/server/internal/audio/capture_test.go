package audio

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveTapOverflowDropsNewest(t *testing.T) {
	s := NewCaptureService("ffmpeg", "default", 8, time.Second)
	s.EnableLiveTap()

	// Fill beyond capacity without draining: chunks past the cap are the
	// ones dropped, the queue stays at capacity, no panic.
	for i := 0; i < LiveTapCapacity+50; i++ {
		s.mirrorToTap([]byte{byte(i)})
	}

	tap := s.TapChannel()
	require.NotNil(t, tap)
	assert.Equal(t, LiveTapCapacity, len(tap))

	// The retained chunks are the oldest ones, in order.
	first := <-tap
	assert.Equal(t, []byte{0}, first)
}

func TestDisableLiveTapClearsResidualData(t *testing.T) {
	s := NewCaptureService("ffmpeg", "default", 8, time.Second)
	s.EnableLiveTap()
	for i := 0; i < 10; i++ {
		s.mirrorToTap([]byte{byte(i)})
	}

	s.DisableLiveTap()
	assert.Nil(t, s.TapChannel())

	// mirroring while disabled is a no-op
	s.mirrorToTap([]byte{1})
	assert.Nil(t, s.TapChannel())

	// re-enable starts from an empty queue
	s.EnableLiveTap()
	assert.Equal(t, 0, len(s.TapChannel()))
}

func TestStartRecordingValidatesChannels(t *testing.T) {
	s := NewCaptureService("ffmpeg", "default", 8, time.Second)

	_, err := s.StartRecording(CaptureOptions{OutputPath: t.TempDir() + "/a.wav", SampleRate: 16000, Channels: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDevice)

	_, err = s.StartRecording(CaptureOptions{OutputPath: t.TempDir() + "/a.wav", SampleRate: 0, Channels: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDevice)
}

func TestReaderExitReleasesDevice(t *testing.T) {
	// ffmpeg dying on its own (device unplugged, process crash) must behave
	// like a stop: sources see completion, the device frees up.
	s := NewCaptureService("ffmpeg", "default", 8, time.Second)
	s.mu.Lock()
	s.active = true
	s.sessionID = "dead-device"
	s.mu.Unlock()
	s.stopped.Store(false)

	writerQ := make(chan []byte, 8)
	s.readerLoop(strings.NewReader("\x01\x02\x03\x04"), writerQ)

	// the queue closed with the data that made it through
	var got []byte
	for chunk := range writerQ {
		got = append(got, chunk...)
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	assert.False(t, s.IsActive(), "device must be released")
	assert.True(t, s.IsStopped())

	// a mic source over this capture now reports complete, so its session
	// drains and finalizes instead of polling forever
	src := NewMicSource(s)
	assert.True(t, src.IsComplete())
	assert.Nil(t, src.GetChunk(time.Millisecond))

	// a stop arriving after the fact stays a no-op
	assert.NoError(t, s.StopRecording())
}

func TestStopRecordingIdleIsNoop(t *testing.T) {
	s := NewCaptureService("ffmpeg", "default", 8, time.Second)
	assert.NoError(t, s.StopRecording())
}

func TestDurationSeconds(t *testing.T) {
	assert.Equal(t, 1.0, DurationSeconds(32000, 16000, 1))
	assert.Equal(t, 0.5, DurationSeconds(32000, 16000, 2))
	assert.Zero(t, DurationSeconds(100, 0, 1), "invalid format reports zero instead of dividing by it")
}

func TestWavWriterIncremental(t *testing.T) {
	path := t.TempDir() + "/inc.wav"
	w, err := NewWavWriter(path, 16000, 1)
	require.NoError(t, err)

	pcm := makePCM(16000, 1)
	half := len(pcm) / 2
	require.NoError(t, w.Write(pcm[:half]))
	require.NoError(t, w.Write(pcm[half:]))
	require.NoError(t, w.Close())

	got, rate, channels, err := ReadWavFile(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.Equal(t, 1, channels)
	assert.Equal(t, pcm, got)
}
