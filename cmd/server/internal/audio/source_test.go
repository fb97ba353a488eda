package audio

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makePCM builds n frames of deterministic s16le audio.
func makePCM(frames, channels int) []byte {
	buf := make([]byte, frames*channels*2)
	for i := 0; i < frames*channels; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(i%4096))
	}
	return buf
}

func writeTestWav(t *testing.T, pcm []byte, rate, channels int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, WriteWavFile(path, pcm, rate, channels))
	return path
}

func TestWavRoundTrip(t *testing.T) {
	pcm := makePCM(16000, 1) // 1s mono
	path := writeTestWav(t, pcm, 16000, 1)

	got, rate, channels, err := ReadWavFile(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.Equal(t, 1, channels)
	assert.Equal(t, pcm, got)
}

func TestFileSourceYieldsAllBytesInOrder(t *testing.T) {
	pcm := makePCM(16000*2+1234, 1) // slightly over 2s, uneven tail
	path := writeTestWav(t, pcm, 16000, 1)

	src, err := NewFileSource(path, 0) // no pacing delay
	require.NoError(t, err)

	var got []byte
	for !src.IsComplete() {
		chunk := src.GetChunk(10 * time.Millisecond)
		if chunk == nil {
			break
		}
		got = append(got, chunk...)
	}
	assert.Equal(t, pcm, got)
	assert.True(t, src.IsComplete())
	assert.Nil(t, src.GetChunk(time.Millisecond))
}

func TestMicFileEquivalence(t *testing.T) {
	// The same raw PCM, fed through both variants with timing bypassed,
	// must reach the consumer byte-identical.
	pcm := makePCM(16000, 1)
	path := writeTestWav(t, pcm, 16000, 1)

	fileSrc, err := NewFileSource(path, 0)
	require.NoError(t, err)

	capture := NewCaptureService("ffmpeg", "default", 8, time.Second)
	capture.EnableLiveTap()
	micSrc := NewMicSource(capture)

	var fromFile, fromMic []byte
	for !fileSrc.IsComplete() {
		chunk := fileSrc.GetChunk(10 * time.Millisecond)
		if chunk == nil {
			break
		}
		fromFile = append(fromFile, chunk...)
		// mirror the identical chunk through the mic path
		capture.mirrorToTap(chunk)
		micChunk := micSrc.GetChunk(100 * time.Millisecond)
		require.NotNil(t, micChunk)
		fromMic = append(fromMic, micChunk...)
	}

	assert.True(t, bytes.Equal(pcm, fromFile))
	assert.True(t, bytes.Equal(fromFile, fromMic))
}

func TestFileSourceStopIdempotent(t *testing.T) {
	pcm := makePCM(16000*5, 1)
	path := writeTestWav(t, pcm, 16000, 1)

	src, err := NewFileSource(path, 0)
	require.NoError(t, err)

	_ = src.GetChunk(time.Millisecond)
	for i := 0; i < 3; i++ {
		src.Stop()
	}
	assert.True(t, src.IsComplete())
	assert.Nil(t, src.GetChunk(time.Millisecond))
	assert.True(t, src.IsComplete())
}

func TestFileSourceStopWakesPacingDelay(t *testing.T) {
	pcm := makePCM(16000*5, 1)
	path := writeTestWav(t, pcm, 16000, 1)

	src, err := NewFileSource(path, 10) // 0.5s chunk at 10% speed -> 5s delay
	require.NoError(t, err)

	require.NotNil(t, src.GetChunk(time.Millisecond)) // first chunk has no delay

	done := make(chan []byte, 1)
	go func() { done <- src.GetChunk(time.Millisecond) }()

	time.Sleep(50 * time.Millisecond) // let the goroutine enter the pacing delay
	start := time.Now()
	src.Stop()

	select {
	case chunk := <-done:
		assert.Nil(t, chunk)
		assert.Less(t, time.Since(start), time.Second, "stop must interrupt the pacing delay immediately")
	case <-time.After(2 * time.Second):
		t.Fatal("GetChunk did not wake after Stop")
	}
}

func TestFileSourceSpeedMapsToDelay(t *testing.T) {
	pcm := makePCM(16000, 1)
	path := writeTestWav(t, pcm, 16000, 1)

	tests := []struct {
		speed int
		want  time.Duration
	}{
		{0, 0},
		{100, 500 * time.Millisecond},
		{200, 250 * time.Millisecond},
		{50, time.Second},
	}
	for _, tt := range tests {
		src, err := NewFileSource(path, tt.speed)
		require.NoError(t, err)
		assert.Equal(t, tt.want, src.delay, "speed=%d", tt.speed)
	}

	_, err := NewFileSource(path, -1)
	assert.Error(t, err)
}

func TestMicSourceStopIdempotent(t *testing.T) {
	capture := NewCaptureService("ffmpeg", "default", 8, time.Second)
	capture.EnableLiveTap()
	src := NewMicSource(capture)

	for i := 0; i < 3; i++ {
		src.Stop()
	}
	assert.True(t, src.IsComplete())
	assert.Nil(t, src.GetChunk(time.Millisecond))
}
