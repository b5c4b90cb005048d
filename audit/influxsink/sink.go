// Package influxsink writes audit events to InfluxDB v2 as points in the
// "security_events" measurement, so decisions can be graphed next to
// building telemetry.
//
// Writes go through the client's non-blocking batching API. Delivery
// failures are reported through the OnError callback and never reach the
// request path.
package influxsink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/MrEthical07/sessionguard/audit"
)

const (
	measurement           = "security_events"
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000
)

var (
	// ErrDisabled is returned by Connect when the sink is switched off.
	ErrDisabled = errors.New("influx sink disabled")
	// ErrConnectionFailed is returned when the server does not answer ping.
	ErrConnectionFailed = errors.New("influx connection failed")
)

// Config selects the server and batching behaviour.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval_seconds"`
}

// Sink implements [audit.Sink].
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu      sync.RWMutex
	closed  bool
	onError func(error)
}

var _ audit.Sink = (*Sink)(nil)

// Connect creates a client, verifies it with a ping and returns a Sink that
// owns it.
func Connect(cfg Config) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	return New(client, cfg.Org, cfg.Bucket), nil
}

// New wraps an existing client. Close closes it.
func New(client influxdb2.Client, org, bucket string) *Sink {
	s := &Sink{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
	}
	go s.handleWriteErrors(s.writeAPI.Errors())
	return s
}

func (s *Sink) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		s.mu.RLock()
		callback := s.onError
		s.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError installs the async write-failure callback.
func (s *Sink) SetOnError(callback func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = callback
}

// Emit queues one point. Tags carry the low-cardinality fields; user and
// family ids are fields so they do not explode series cardinality.
func (s *Sink) Emit(_ context.Context, event audit.Event) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	s.writeAPI.WritePoint(toPoint(event))
}

// Flush blocks until queued points are written.
func (s *Sink) Flush() {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if !closed {
		s.writeAPI.Flush()
	}
}

// Close flushes and closes the client. Safe to call twice.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.writeAPI.Flush()
	s.client.Close()
}

func toPoint(e audit.Event) *write.Point {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := map[string]interface{}{
		"count": 1,
	}
	if e.UserID != "" {
		fields["user_id"] = e.UserID
	}
	if e.FamilyID != "" {
		fields["family_id"] = e.FamilyID
	}
	if e.IP != "" {
		fields["ip"] = e.IP
	}
	if e.Description != "" {
		fields["description"] = e.Description
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"type":     e.Type,
			"severity": string(e.Severity),
		},
		fields,
		ts,
	)
}
