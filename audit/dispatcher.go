package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config sizes the async relay. With DropIfFull a full buffer sheds low and
// medium severity events instead of stalling the request.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher moves audit writes off the request path. Events queue in a
// bounded buffer and one goroutine hands them to the sink in arrival order.
//
// High and critical events record blocks, bans and family revocations, so
// they are never shed: Emit waits for room until ctx is done. A nil
// *Dispatcher discards everything.
type Dispatcher struct {
	sink  Sink
	queue chan Event
	shed  bool

	stop     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// NewDispatcher starts the relay, or returns nil when cfg is disabled.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		sink:     sink,
		queue:    make(chan Event, max(cfg.BufferSize, 1)),
		shed:     cfg.DropIfFull,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go d.relay()
	return d
}

func (d *Dispatcher) relay() {
	defer close(d.finished)
	for {
		select {
		case ev := <-d.queue:
			d.forward(ev)
		case <-d.stop:
			d.flush()
			return
		}
	}
}

func (d *Dispatcher) flush() {
	for {
		select {
		case ev := <-d.queue:
			d.forward(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) forward(ev Event) {
	d.sink.Emit(context.Background(), ev)
	d.delivered.Add(1)
}

// Emit queues ev for the sink.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.stopped.Load() {
		return
	}
	if d.shed && !ev.Severity.urgent() {
		select {
		case d.queue <- ev:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
		d.dropped.Add(1)
	}
}

// Close stops accepting events, hands everything queued to the sink and
// returns once the relay has exited. Repeated calls are no-ops.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		close(d.stop)
		<-d.finished
	})
}

// Dropped counts events that never reached the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
