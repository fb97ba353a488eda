package meetings

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/meetnote/meetnote/cmd/server/internal/diarization"
	"github.com/meetnote/meetnote/cmd/server/internal/metrics"
	"github.com/meetnote/meetnote/cmd/server/internal/summarize"
)

// Finalizer completes meeting records after transcription: batch diarization
// re-pass, speaker naming, summary, title. The same stage functions serve
// both the inline path at session end and the background sweep, so behavior
// can never diverge between the two.
type Finalizer struct {
	store      *Store
	batch      diarization.BatchProvider
	summarizer summarize.Provider

	grace      time.Duration
	interDelay time.Duration
	idleDelay  time.Duration

	// busy reports whether a live session currently owns the meeting, so
	// the sweep never races inline finalization.
	busy func(meetingID string) bool
}

// NewFinalizer wires the stage providers and sweep timings.
func NewFinalizer(store *Store, batch diarization.BatchProvider, summarizer summarize.Provider, grace, interDelay, idleDelay time.Duration) *Finalizer {
	return &Finalizer{
		store:      store,
		batch:      batch,
		summarizer: summarizer,
		grace:      grace,
		interDelay: interDelay,
		idleDelay:  idleDelay,
	}
}

// SetBusyCheck installs the live-session guard. Must be called before Run.
func (f *Finalizer) SetBusyCheck(fn func(meetingID string) bool) {
	f.busy = fn
}

// Run is the daemon sweep: after a startup grace period it repeatedly picks
// the oldest meeting with pending stages, processes it, and throttles
// between meetings. Errors are logged and the sweep continues; nothing here
// may kill the loop.
func (f *Finalizer) Run(ctx context.Context) {
	if !sleepCtx(ctx, f.grace) {
		return
	}
	log.Printf("[FINALIZER] sweep started (inter=%s idle=%s)", f.interDelay, f.idleDelay)

	for {
		m, ok := f.store.OldestWithPendingStages(f.busy)
		if !ok {
			if !sleepCtx(ctx, f.idleDelay) {
				return
			}
			continue
		}

		// A crash mid-transcription leaves the meeting in_progress;
		// it will never resume, so close it before finishing the stages.
		if m.Status == StatusInProgress {
			if err := f.store.CompleteMeeting(m.ID); err != nil {
				log.Printf("[FINALIZER] complete stale meeting %s: %v", m.ID, err)
			}
		}

		if err := f.FinalizeMeeting(ctx, m.ID); err != nil {
			log.Printf("[FINALIZER] meeting %s: %v", m.ID, err)
		}
		if !sleepCtx(ctx, f.interDelay) {
			return
		}
	}
}

// FinalizeMeeting runs the four stages in fixed order, skipping any stage
// not currently pending. Each stage lands done or failed independently; a
// failed stage never blocks the later ones and is never retried by the
// sweep.
func (f *Finalizer) FinalizeMeeting(ctx context.Context, meetingID string) error {
	pending, err := f.store.PendingStages(meetingID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	isPending := make(map[string]bool, len(pending))
	for _, stage := range pending {
		isPending[stage] = true
	}

	for _, stage := range StageOrder {
		if !isPending[stage] {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var stageErr error
		switch stage {
		case StageDiarization:
			stageErr = f.runDiarization(ctx, meetingID)
		case StageSpeakerNames:
			stageErr = f.runSpeakerNames(meetingID)
		case StageSummary:
			stageErr = f.runSummary(ctx, meetingID)
		case StageTitle:
			stageErr = f.runTitle(ctx, meetingID)
		}

		status := StageDone
		if stageErr != nil {
			status = StageFailed
			log.Printf("[FINALIZER] stage %s failed for %s: %v", stage, meetingID, stageErr)
		}
		metrics.RecordStage(stage, status)
		if err := f.store.MarkStage(meetingID, stage, status); err != nil {
			return fmt.Errorf("mark stage %s: %w", stage, err)
		}
	}
	return nil
}

// runDiarization re-passes the whole audio file through the batch provider
// and reconciles speaker labels into the persisted transcript.
func (f *Finalizer) runDiarization(ctx context.Context, meetingID string) error {
	m, err := f.store.Get(meetingID)
	if err != nil {
		return err
	}
	anns, err := f.batch.Diarize(ctx, m.AudioPath)
	if err != nil {
		return err
	}
	if len(anns) == 0 {
		return nil
	}
	changed, err := f.store.ReconcileSpeakers(meetingID, anns)
	if err != nil {
		return err
	}
	log.Printf("[FINALIZER] diarization relabeled %d segments for %s", changed, meetingID)
	return nil
}

// runSpeakerNames confirms attendee naming. The store assigns "Person N"
// names as labels appear, so with no labeled attendees there is nothing to
// identify and the stage is done by skip.
func (f *Finalizer) runSpeakerNames(meetingID string) error {
	m, err := f.store.Get(meetingID)
	if err != nil {
		return err
	}
	labeled := 0
	for _, a := range m.Attendees {
		if a.Label != "" {
			labeled++
		}
	}
	if labeled == 0 {
		log.Printf("[FINALIZER] no labeled speakers for %s, skipping naming", meetingID)
	}
	return nil
}

// runSummary builds the summary from the (best-effort cleaned) transcript,
// promoting text through the summary-state pipeline as topics close.
func (f *Finalizer) runSummary(ctx context.Context, meetingID string) error {
	m, err := f.store.Get(meetingID)
	if err != nil {
		return err
	}
	raw := m.PlainTranscript()
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	state := SummaryState{StreamingText: raw}

	// cleanup is best-effort input polishing, never a stage failure
	text := raw
	if cleaned, err := f.summarizer.CleanupTranscript(ctx, raw); err != nil {
		log.Printf("[FINALIZER] transcript cleanup failed for %s, using raw text: %v", meetingID, err)
	} else {
		text = cleaned
	}
	state.DraftText = text

	if topics, err := f.summarizer.SegmentTopics(ctx, text); err != nil {
		log.Printf("[FINALIZER] topic segmentation failed for %s: %v", meetingID, err)
	} else if len(topics) > 0 {
		var interim []string
		for _, tp := range topics {
			interim = append(interim, fmt.Sprintf("%s: %s", tp.Topic, tp.Summary))
		}
		state.InterimSummary = strings.Join(interim, "\n")
		state.DoneText = text
	}

	summary, err := f.summarizer.Summarize(ctx, text)
	if err != nil {
		// persist whatever scratch state was reached before the failure
		_ = f.store.UpdateSummaryState(meetingID, state)
		return err
	}
	state.SummarizedSummary = summary.Overview
	if err := f.store.UpdateSummaryState(meetingID, state); err != nil {
		return err
	}

	items := make([]ActionItem, 0, len(summary.ActionItems))
	for _, it := range summary.ActionItems {
		items = append(items, ActionItem{Description: it.Text, Assignee: it.Owner})
	}
	return f.store.UpdateSummary(meetingID, renderSummaryText(summary), f.summarizer.Name(), items)
}

// runTitle generates an auto title unless the user already set one manually.
func (f *Finalizer) runTitle(ctx context.Context, meetingID string) error {
	m, err := f.store.Get(meetingID)
	if err != nil {
		return err
	}
	if m.TitleSource == TitleSourceManual {
		return nil
	}
	transcript := m.PlainTranscript()
	if strings.TrimSpace(transcript) == "" {
		return nil
	}
	title, err := f.summarizer.GenerateTitle(ctx, transcript)
	if err != nil {
		return err
	}
	return f.store.SetTitle(meetingID, title, TitleSourceAuto)
}

func renderSummaryText(s *summarize.Summary) string {
	var b strings.Builder
	b.WriteString(s.Overview)
	if len(s.KeyPoints) > 0 {
		b.WriteString("\n\nKey points:\n")
		for _, kp := range s.KeyPoints {
			b.WriteString("- ")
			b.WriteString(kp)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// sleepCtx waits d or until the context ends; false means shut down.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
