package meetings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetnote/meetnote/cmd/server/internal/diarization"
)

// ErrNotFound 会议不存在
var ErrNotFound = errors.New("meeting not found")

type document struct {
	Meetings []*Meeting `json:"meetings"`
}

// Store persists all meetings in one JSON document guarded by one mutex.
// Every mutation is read-modify-write under the lock followed by an atomic
// replace (temp file + rename). Full-document granularity is a known scaling
// limit accepted at this scale.
type Store struct {
	mu     sync.Mutex
	path   string
	doc    document
	events *EventLog
}

// NewStore loads the document at path, creating an empty store on first run.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, events: NewEventLog()}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read meeting store: %w", err)
	}
	if err := json.Unmarshal(b, &s.doc); err != nil {
		return nil, fmt.Errorf("parse meeting store: %w", err)
	}
	for _, m := range s.doc.Meetings {
		if m.Finalization == nil {
			m.Finalization = newFinalization()
		}
	}
	return s, nil
}

// Events exposes the live-update log.
func (s *Store) Events() *EventLog { return s.events }

// save writes the document atomically. Caller holds s.mu.
func (s *Store) save() error {
	b, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meeting store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write meeting store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace meeting store: %w", err)
	}
	return nil
}

// find locates a meeting by id. Caller holds s.mu.
func (s *Store) find(id string) (*Meeting, error) {
	for _, m := range s.doc.Meetings {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// CreateMeeting registers a new in-progress meeting. Audio parameters are
// set once here and immutable afterward.
func (s *Store) CreateMeeting(audioPath string, sampleRate, channels int) (*Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Meeting{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		Status:       StatusInProgress,
		Title:        "New Meeting",
		TitleSource:  TitleSourceDefault,
		AudioPath:    audioPath,
		SampleRate:   sampleRate,
		Channels:     channels,
		Transcript:   Transcript{Segments: []Segment{}},
		Finalization: newFinalization(),
	}
	s.doc.Meetings = append(s.doc.Meetings, m)
	if err := s.save(); err != nil {
		s.doc.Meetings = s.doc.Meetings[:len(s.doc.Meetings)-1]
		return nil, err
	}
	s.events.Publish(EventMeetingCreated, m.ID)
	return m.clone(), nil
}

// Get returns a deep copy of one meeting.
func (s *Store) Get(id string) (*Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return m.clone(), nil
}

// List returns copies of all meetings, newest first.
func (s *Store) List() []*Meeting {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Meeting, 0, len(s.doc.Meetings))
	for _, m := range s.doc.Meetings {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Delete removes a meeting permanently.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.doc.Meetings {
		if m.ID == id {
			s.doc.Meetings = append(s.doc.Meetings[:i], s.doc.Meetings[i+1:]...)
			if err := s.save(); err != nil {
				return err
			}
			s.events.Publish(EventMeetingDeleted, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// AppendLiveSegments appends a batch of already-offset segments, derives any
// new attendees, persists, and publishes an event. Segments are never
// reordered afterwards.
func (s *Store) AppendLiveSegments(id string, segs []Segment, language string) error {
	if len(segs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return err
	}
	m.Transcript.Segments = append(m.Transcript.Segments, segs...)
	if language != "" && language != "unknown" && m.Transcript.Language == "" {
		m.Transcript.Language = language
	}
	m.Transcript.UpdatedAt = time.Now()
	assignAttendees(m, segs)
	if err := s.save(); err != nil {
		return err
	}
	s.events.Publish(EventSegmentsAppended, id)
	return nil
}

// ReconcileSpeakers rewrites the speaker field of every persisted segment
// whose start falls inside one of the annotations, first match wins. It
// rescans all segments rather than only newly-covered intervals, trading a
// little work for guaranteed correctness. Start/end/text are never touched.
// Returns the number of segments whose speaker changed.
func (s *Store) ReconcileSpeakers(id string, anns []diarization.Annotation) (int, error) {
	if len(anns) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range m.Transcript.Segments {
		for _, a := range anns {
			if a.Contains(m.Transcript.Segments[i].Start) {
				if m.Transcript.Segments[i].Speaker != a.Speaker {
					m.Transcript.Segments[i].Speaker = a.Speaker
					changed++
				}
				break
			}
		}
	}
	if changed == 0 {
		return 0, nil
	}
	m.Transcript.UpdatedAt = time.Now()
	assignAttendees(m, m.Transcript.Segments)
	if err := s.save(); err != nil {
		return 0, err
	}
	s.events.Publish(EventSpeakersUpdated, id)
	return changed, nil
}

// SetTitle updates the title and its provenance. Manual renames stick: an
// auto title never overwrites a manual one.
func (s *Store) SetTitle(id, title, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return err
	}
	if source == TitleSourceAuto && m.TitleSource == TitleSourceManual {
		return nil
	}
	m.Title = title
	m.TitleSource = source
	if source == TitleSourceAuto {
		now := time.Now()
		m.TitleGeneratedAt = &now
	}
	if err := s.save(); err != nil {
		return err
	}
	s.events.Publish(EventTitleUpdated, id)
	return nil
}

// UpdateSummary replaces the summary and action items.
func (s *Store) UpdateSummary(id, text, provider string, items []ActionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return err
	}
	m.Summary = &Summary{Text: text, Provider: provider, UpdatedAt: time.Now()}
	m.ActionItems = items
	if err := s.save(); err != nil {
		return err
	}
	s.events.Publish(EventSummaryUpdated, id)
	return nil
}

// UpdateSummaryState replaces the incremental-summarization scratch space.
func (s *Store) UpdateSummaryState(id string, state SummaryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return err
	}
	m.SummaryState = state
	return s.save()
}

// CompleteMeeting forces the meeting out of in_progress. Idempotent: a
// meeting must never be left permanently in_progress, so both the happy path
// and the error path call this.
func (s *Store) CompleteMeeting(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return err
	}
	if m.Status == StatusCompleted {
		return nil
	}
	m.Status = StatusCompleted
	now := time.Now()
	m.EndedAt = &now
	if err := s.save(); err != nil {
		return err
	}
	s.events.Publish(EventMeetingCompleted, id)
	return nil
}

// PublishError emits an error event for observers without mutating the
// document.
func (s *Store) PublishError(id string) {
	s.events.Publish(EventError, id)
}

// MarkStage records one finalization stage transition.
func (s *Store) MarkStage(id, stage, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return err
	}
	if _, ok := m.Finalization[stage]; !ok {
		return fmt.Errorf("unknown finalization stage %q", stage)
	}
	m.Finalization[stage] = status
	if err := s.save(); err != nil {
		return err
	}
	s.events.Publish(EventFinalizationStage, id)
	return nil
}

// PendingStages returns the stages still pending for a meeting, in fixed
// stage order. Failed stages are excluded: they are never auto-retried.
func (s *Store) PendingStages(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return pendingOf(m), nil
}

// FailedStages returns the stages that tried and broke.
func (s *Store) FailedStages(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.find(id)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, stage := range StageOrder {
		if m.Finalization[stage] == StageFailed {
			out = append(out, stage)
		}
	}
	return out, nil
}

// OldestWithPendingStages finds the next meeting the background sweep should
// process: the oldest with at least one pending stage, excluding any the
// skip predicate claims (live sessions own their meeting's finalization).
// Status is deliberately not checked: a crash mid-transcription leaves a
// meeting in_progress with pending stages, and recovering exactly those is
// why the sweep exists.
func (s *Store) OldestWithPendingStages(skip func(id string) bool) (*Meeting, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Meeting
	for _, m := range s.doc.Meetings {
		if len(pendingOf(m)) == 0 {
			continue
		}
		if skip != nil && skip(m.ID) {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest.clone(), true
}

func pendingOf(m *Meeting) []string {
	var out []string
	for _, stage := range StageOrder {
		if m.Finalization[stage] == StagePending {
			out = append(out, stage)
		}
	}
	return out
}

// assignAttendees synthesizes attendee records for speaker labels seen in
// segs. Display names auto-increment as "Person N" skipping indices already
// in use, so manual edits or partial batches never cause renumbering. All
// unlabeled segments share one synthetic unknown attendee.
func assignAttendees(m *Meeting, segs []Segment) {
	known := make(map[string]bool, len(m.Attendees))
	hasUnknown := false
	used := make(map[int]bool)
	for _, a := range m.Attendees {
		if a.Label == "" {
			hasUnknown = true
		} else {
			known[a.Label] = true
		}
		if n, ok := personIndex(a.Name); ok {
			used[n] = true
		}
	}

	next := func() int {
		for n := 1; ; n++ {
			if !used[n] {
				used[n] = true
				return n
			}
		}
	}

	for _, seg := range segs {
		if seg.Speaker == "" {
			if !hasUnknown {
				m.Attendees = append(m.Attendees, Attendee{
					ID:         uuid.NewString(),
					Name:       "Unknown",
					NameSource: "auto",
				})
				hasUnknown = true
			}
			continue
		}
		if known[seg.Speaker] {
			continue
		}
		m.Attendees = append(m.Attendees, Attendee{
			ID:         uuid.NewString(),
			Label:      seg.Speaker,
			Name:       fmt.Sprintf("Person %d", next()),
			NameSource: "auto",
		})
		known[seg.Speaker] = true
	}
}

func personIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "Person ")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
