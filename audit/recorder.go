package audit

import (
	"context"
	"log/slog"
	"maps"
	"time"
)

// Logger is the audit port consumed by the rotation service, the anomaly
// detector, the rate limiter and the middleware.
type Logger interface {
	Log(ctx context.Context, event Event)
	LogSecurityEvent(ctx context.Context, eventType string, severity Severity, description, ip string, metadata map[string]string)
}

// Discard is a Logger that records nothing.
var Discard Logger = discard{}

type discard struct{}

func (discard) Log(context.Context, Event) {}

func (discard) LogSecurityEvent(context.Context, string, Severity, string, string, map[string]string) {
}

// Recorder stamps events and forwards them to a sink. High and critical
// events are mirrored to the structured log.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder writing to sink. A nil sink discards and a
// nil logger uses slog.Default.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if sink == nil {
		sink = NoOpSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

func (r *Recorder) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}
	if len(event.Metadata) > 0 {
		event.Metadata = maps.Clone(event.Metadata)
	}

	switch event.Severity {
	case SeverityCritical:
		r.logger.ErrorContext(ctx, "security event", eventAttrs(event)...)
	case SeverityHigh:
		r.logger.WarnContext(ctx, "security event", eventAttrs(event)...)
	}

	r.sink.Emit(ctx, event)
}

func (r *Recorder) LogSecurityEvent(ctx context.Context, eventType string, severity Severity, description, ip string, metadata map[string]string) {
	event := Event{
		Type:        eventType,
		Severity:    severity,
		Description: description,
		IP:          ip,
		Metadata:    metadata,
	}
	if metadata != nil {
		event.UserID = metadata["user_id"]
		event.FamilyID = metadata["family_id"]
	}
	r.Log(ctx, event)
}

func eventAttrs(e Event) []any {
	attrs := []any{
		"type", e.Type,
		"severity", string(e.Severity),
	}
	if e.Description != "" {
		attrs = append(attrs, "description", e.Description)
	}
	if e.UserID != "" {
		attrs = append(attrs, "user_id", e.UserID)
	}
	if e.FamilyID != "" {
		attrs = append(attrs, "family_id", e.FamilyID)
	}
	if e.IP != "" {
		attrs = append(attrs, "ip", e.IP)
	}
	return attrs
}
