package meetings

import (
	"sync"
	"time"
)

// Event types published by the store.
const (
	EventMeetingCreated    = "meeting_created"
	EventMeetingCompleted  = "meeting_completed"
	EventMeetingDeleted    = "meeting_deleted"
	EventSegmentsAppended  = "segments_appended"
	EventSpeakersUpdated   = "speakers_updated"
	EventSummaryUpdated    = "summary_updated"
	EventTitleUpdated      = "title_updated"
	EventFinalizationStage = "finalization_stage"
	EventError             = "error"
)

const (
	eventRingCapacity = 200
	eventRingTrimTo   = 100
)

// Event is one live-update notification. Seq is a monotonically increasing
// index so pollers can ask for "everything after N"; it survives ring trims
// but not process restarts.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	MeetingID string    `json:"meeting_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLog is the bounded in-memory ring behind the live-update subscription
// mechanism. At-least-once, ordering preserved, nothing persisted. It carries
// its own mutex so event readers are never serialized behind document I/O.
type EventLog struct {
	mu      sync.Mutex
	events  []Event
	nextSeq int64
}

// NewEventLog creates an empty log starting at sequence 1.
func NewEventLog() *EventLog {
	return &EventLog{nextSeq: 1}
}

// Publish appends one event, trimming the ring when it overflows capacity.
func (l *EventLog) Publish(eventType, meetingID string) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		Seq:       l.nextSeq,
		Type:      eventType,
		MeetingID: meetingID,
		Timestamp: time.Now(),
	}
	l.nextSeq++
	l.events = append(l.events, ev)
	if len(l.events) > eventRingCapacity {
		// 溢出时只保留最近 100 条
		l.events = append([]Event(nil), l.events[len(l.events)-eventRingTrimTo:]...)
	}
	return ev
}

// Since returns all retained events with Seq > after, oldest first.
func (l *EventLog) Since(after int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := len(l.events)
	for i, ev := range l.events {
		if ev.Seq > after {
			idx = i
			break
		}
	}
	out := make([]Event, len(l.events)-idx)
	copy(out, l.events[idx:])
	return out
}

// Len reports the retained event count.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
