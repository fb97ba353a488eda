package transcription

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/meetnote/meetnote/cmd/server/internal/diarization"
	"github.com/meetnote/meetnote/cmd/server/internal/metrics"
)

// defaultChunkSeconds is the accumulation window used when configuration
// does not override it. Larger chunks give the model more context; smaller
// chunks lower live latency.
const defaultChunkSeconds = 30

// Pipeline turns raw audio chunks into meeting-time transcript segments.
// It owns timestamp offsetting: providers speak chunk-local time, everything
// downstream of the pipeline speaks absolute meeting time.
type Pipeline struct {
	transcriber  Transcriber
	model        string
	language     string
	prompt       string
	temperature  float64
	chunkSeconds int
}

// NewPipeline wires a transcriber with its per-meeting options.
// chunkSeconds <= 0 selects the default window.
func NewPipeline(t Transcriber, model, lang, prompt string, temperature float64, chunkSeconds int) *Pipeline {
	if chunkSeconds <= 0 {
		chunkSeconds = defaultChunkSeconds
	}
	return &Pipeline{
		transcriber:  t,
		model:        model,
		language:     lang,
		prompt:       prompt,
		temperature:  temperature,
		chunkSeconds: chunkSeconds,
	}
}

// ChunkSeconds returns the accumulation window in seconds.
func (p *Pipeline) ChunkSeconds() int { return p.chunkSeconds }

// TranscriberName reports the active backend for status endpoints.
func (p *Pipeline) TranscriberName() string { return p.transcriber.Name() }

// HealthCheck proxies to the underlying transcriber.
func (p *Pipeline) HealthCheck(ctx context.Context) (bool, error) {
	return p.transcriber.HealthCheck(ctx)
}

// TranscribeChunk transcribes one chunk file and shifts every segment by
// offset seconds into meeting time. It returns the segments, the normalized
// detected language, and the chunk duration as observed by the model: the
// maximum chunk-local segment end. A silent chunk yields zero segments and a
// zero duration; the caller then advances its offset from the PCM byte count
// instead.
func (p *Pipeline) TranscribeChunk(ctx context.Context, audioPath string, offset float64) ([]Segment, string, float64, error) {
	start := time.Now()
	result, err := p.transcriber.Transcribe(ctx, audioPath, &Options{
		Model:       p.model,
		Language:    p.language,
		Prompt:      p.prompt,
		Temperature: p.temperature,
	})
	if err != nil {
		metrics.RecordError("transcription", "provider_call")
		return nil, "", 0, fmt.Errorf("transcribe chunk: %w", err)
	}
	metrics.RecordDuration("transcription", time.Since(start))

	var chunkDur float64
	segments := make([]Segment, 0, len(result.Segments))
	for _, s := range result.Segments {
		if s.End > chunkDur {
			chunkDur = s.End
		}
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			ID:    s.ID,
			Start: s.Start + offset,
			End:   s.End + offset,
			Text:  text,
		})
	}

	lang := NormalizeLanguage(result.Language)
	log.Printf("[PIPELINE] chunk %s: %d segments, dur=%.2fs, lang=%s",
		audioPath, len(segments), chunkDur, lang)
	return segments, lang, chunkDur, nil
}

// ApplyDiarization labels each segment with the first annotation whose
// interval contains the segment start. Unmatched segments keep an empty
// speaker and render as unknown downstream.
func ApplyDiarization(segments []Segment, anns []diarization.Annotation) []Segment {
	if len(anns) == 0 {
		return segments
	}
	out := make([]Segment, len(segments))
	copy(out, segments)
	for i := range out {
		for _, a := range anns {
			if a.Contains(out[i].Start) {
				out[i].Speaker = a.Speaker
				break
			}
		}
	}
	return out
}

// NormalizeLanguage canonicalizes a provider-reported language to its BCP 47
// base form ("EN-us" -> "en", "zh-CN" -> "zh"). Unparseable values pass
// through lowercased so the raw detection is never lost.
func NormalizeLanguage(lang string) string {
	trimmed := strings.TrimSpace(lang)
	if trimmed == "" || strings.EqualFold(trimmed, "unknown") {
		return "unknown"
	}
	tag, err := language.Parse(trimmed)
	if err != nil {
		return strings.ToLower(trimmed)
	}
	base, _ := tag.Base()
	return base.String()
}
