package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Severity grades an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) urgent() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Event types emitted by sessionguard components.
const (
	EventTokenReplay         = "refresh_reuse_detected"
	EventReuseEscalated      = "refresh_reuse_escalated"
	EventDeviceMismatch      = "refresh_device_mismatch"
	EventOrphanedRotation    = "refresh_orphaned_rotation"
	EventAnomalyDetected     = "anomaly_detected"
	EventUserBlocked         = "user_blocked"
	EventChallengeIssued     = "challenge_issued"
	EventTemporaryBan        = "temporary_ban"
	EventAccessDenied        = "access_denied"
	EventUnauthorized        = "unauthorized"
	EventRateLimited         = "rate_limited"
	EventAutomationSuspected = "automation_suspected"
	EventFingerprintChanged  = "fingerprint_changed"
)

// Event is one audit record.
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        string            `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	FamilyID    string            `json:"family_id,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(append(data, '\n'))
}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// MemorySink keeps every event; tests read them back with Events.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns recorded events with the given type.
func (s *MemorySink) OfType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
