package audio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// writeWavHeader rewrites the 44-byte WAV header at the beginning of f.
func writeWavHeader(f *os.File, sampleRate, channels, bitsPerSample, dataSize int) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	chunkSize := 36 + dataSize
	// RIFF header
	f.Write([]byte("RIFF"))
	binary.Write(f, binary.LittleEndian, uint32(chunkSize))
	f.Write([]byte("WAVE"))
	// fmt chunk
	f.Write([]byte("fmt "))
	binary.Write(f, binary.LittleEndian, uint32(16))            // Subchunk1Size
	binary.Write(f, binary.LittleEndian, uint16(1))             // PCM
	binary.Write(f, binary.LittleEndian, uint16(channels))      // NumChannels
	binary.Write(f, binary.LittleEndian, uint32(sampleRate))    // SampleRate
	binary.Write(f, binary.LittleEndian, uint32(byteRate))      // ByteRate
	binary.Write(f, binary.LittleEndian, uint16(blockAlign))    // BlockAlign
	binary.Write(f, binary.LittleEndian, uint16(bitsPerSample)) // BitsPerSample
	// data chunk
	f.Write([]byte("data"))
	binary.Write(f, binary.LittleEndian, uint32(dataSize))
	return nil
}

// WavWriter incrementally writes 16-bit PCM into a WAV container. A 44-byte
// placeholder header is written on create and rewritten with the real data
// size on Close.
type WavWriter struct {
	f          *os.File
	sampleRate int
	channels   int
	dataSize   int
}

// NewWavWriter creates path and reserves the header region.
func NewWavWriter(path string, sampleRate, channels int) (*WavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	// 预写 44 字节占位
	if _, err := f.Write(make([]byte, 44)); err != nil {
		f.Close()
		return nil, err
	}
	return &WavWriter{f: f, sampleRate: sampleRate, channels: channels}, nil
}

// Write appends raw s16le PCM bytes to the data chunk.
func (w *WavWriter) Write(pcm []byte) error {
	n, err := w.f.Write(pcm)
	w.dataSize += n
	return err
}

// Close finalizes the header and closes the file.
func (w *WavWriter) Close() error {
	if err := writeWavHeader(w.f, w.sampleRate, w.channels, 16, w.dataSize); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// WriteWavFile writes a complete one-shot WAV file from raw s16le PCM.
func WriteWavFile(path string, pcm []byte, sampleRate, channels int) error {
	w, err := NewWavWriter(path, sampleRate, channels)
	if err != nil {
		return err
	}
	if err := w.Write(pcm); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ReadWavFile parses a WAV file and returns its audio data as 16-bit PCM.
// 8-bit PCM input is widened to 16-bit so every caller sees the exact byte
// format the capture path produces.
func ReadWavFile(path string) (pcm []byte, sampleRate, channels int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("not a RIFF/WAVE file: %s", path)
	}

	var (
		bitsPerSample int
		audioData     []byte
		haveFmt       bool
	)
	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkLen > len(data) {
			chunkLen = len(data) - body // tolerate truncated final chunk
		}
		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil, 0, 0, fmt.Errorf("malformed fmt chunk in %s", path)
			}
			audioFormat := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if audioFormat != 1 {
				return nil, 0, 0, fmt.Errorf("unsupported WAV encoding %d (PCM only): %s", audioFormat, path)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			audioData = data[body : body+chunkLen]
		}
		// chunks are word-aligned
		pos = body + chunkLen
		if chunkLen%2 == 1 {
			pos++
		}
	}

	if !haveFmt || audioData == nil {
		return nil, 0, 0, fmt.Errorf("missing fmt/data chunk in %s", path)
	}

	switch bitsPerSample {
	case 16:
		pcm = audioData
	case 8:
		// unsigned 8-bit -> signed 16-bit
		pcm = make([]byte, len(audioData)*2)
		for i, b := range audioData {
			s := int16(int(b)-128) << 8
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
		}
	default:
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d in %s", bitsPerSample, path)
	}

	return pcm, sampleRate, channels, nil
}

// DurationSeconds returns the play time of a s16le PCM byte span.
func DurationSeconds(byteLen, sampleRate, channels int) float64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return float64(byteLen) / float64(sampleRate*channels*2)
}
