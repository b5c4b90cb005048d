package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	sink := &MemorySink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: EventRateLimited})
	}
	d.Close()
	d.Close()

	if got := len(sink.Events()); got != 10 {
		t.Fatalf("expected 10 delivered events, got %d", got)
	}
	if d.Delivered() != 10 {
		t.Fatalf("delivered counter = %d", d.Delivered())
	}

	d.Emit(context.Background(), Event{Type: EventRateLimited})
	if got := len(sink.Events()); got != 10 {
		t.Fatalf("emit after close was delivered")
	}
}

type blockingSink struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingSink) Emit(context.Context, Event) {
	b.once.Do(func() { close(b.started) })
	<-b.release
}

func TestDispatcherDropIfFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	d.Emit(context.Background(), Event{Type: "first"})
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never picked up the first event")
	}
	d.Emit(context.Background(), Event{Type: "buffered"})
	d.Emit(context.Background(), Event{Type: "dropped"})

	if d.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", d.Dropped())
	}
	close(sink.release)
	d.Close()
}

func TestDispatcherNeverShedsUrgentEvents(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	d.Emit(context.Background(), Event{Type: "first"})
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never picked up the first event")
	}
	d.Emit(context.Background(), Event{Type: "buffered"})

	queued := make(chan struct{})
	go func() {
		d.Emit(context.Background(), Event{Type: EventUserBlocked, Severity: SeverityCritical})
		close(queued)
	}()
	select {
	case <-queued:
		t.Fatal("critical event must wait for room, not be shed")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	select {
	case <-queued:
	case <-time.After(2 * time.Second):
		t.Fatal("critical event never queued")
	}
	d.Close()
	if d.Dropped() != 0 || d.Delivered() != 3 {
		t.Fatalf("dropped=%d delivered=%d", d.Dropped(), d.Delivered())
	}
}

func TestDispatcherUrgentEmitHonoursContext(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)
	defer d.Close()
	defer close(sink.release)

	d.Emit(context.Background(), Event{Type: "first"})
	<-sink.started
	d.Emit(context.Background(), Event{Type: "buffered"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Emit(ctx, Event{Type: EventTemporaryBan, Severity: SeverityHigh})
	if d.Dropped() != 1 {
		t.Fatalf("expected the timed-out event to be counted, got %d", d.Dropped())
	}
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	d.Emit(context.Background(), Event{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestRecorderStampsAndMirrorsCritical(t *testing.T) {
	var logs bytes.Buffer
	sink := &MemorySink{}
	r := NewRecorder(sink, slog.New(slog.NewJSONHandler(&logs, nil)))
	r.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	meta := map[string]string{"user_id": "u-1", "family_id": "f-1"}
	r.LogSecurityEvent(context.Background(), EventTokenReplay, SeverityCritical, "replayed", "10.0.0.1", meta)
	meta["user_id"] = "mutated"

	events := sink.OfType(EventTokenReplay)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	e := events[0]
	if e.UserID != "u-1" || e.FamilyID != "f-1" || e.IP != "10.0.0.1" {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.Metadata["user_id"] != "u-1" {
		t.Fatal("metadata not copied")
	}
	if !e.Timestamp.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("timestamp not stamped: %v", e.Timestamp)
	}
	if !strings.Contains(logs.String(), `"level":"ERROR"`) {
		t.Fatalf("critical event not logged at error: %s", logs.String())
	}

	logs.Reset()
	r.Log(context.Background(), Event{Type: EventRateLimited})
	if logs.Len() != 0 {
		t.Fatalf("low severity event should not be logged: %s", logs.String())
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	MultiSink{sink, nil, NoOpSink{}}.Emit(context.Background(), Event{Type: EventAccessDenied, Severity: SeverityMedium})

	line, err := buf.ReadBytes('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != EventAccessDenied || got.Severity != SeverityMedium {
		t.Fatalf("unexpected event %+v", got)
	}
}
