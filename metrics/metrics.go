package metrics

import (
	"sync/atomic"
	"time"
)

// ID names one counter.
type ID uint16

const (
	TokenPairCreated ID = iota
	RotationSuccess
	RotationFailure
	ReplayDetected
	ReuseEscalated
	FamilyCompromised
	DeviceMismatch
	OrphanedRotation
	TokenRevoked
	TokensCleaned
	AnomalyEventTracked
	AnomalyDetected
	AnomalyPatternError
	UserBlocked
	ChallengeIssued
	AlertSent
	RateLimitAllowed
	RateLimitHit
	BanIssued
	BanRejected
	MiddlewareIntegrityRejected
	MiddlewareCSRFRejected
	MiddlewareAutomationChallenged
	MiddlewareFingerprintMismatch
	MiddlewareDenied
	RotationLatency
	DetectionLatency
	idCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type histogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Config toggles collection.
type Config struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// Metrics is a fixed set of padded atomic counters.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [idCount]paddedCounter
	histograms    [idCount]histogram
}

// Snapshot is a point-in-time copy of every counter and enabled histogram.
type Snapshot struct {
	Counters   map[ID]uint64
	Histograms map[ID][]uint64
}

func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id ID) {
	m.Add(id, 1)
}

// Add increments id by n.
func (m *Metrics) Add(id ID, n uint64) {
	if m == nil || !m.enabled || id >= idCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records a latency sample. Only histogram ids accept samples.
func (m *Metrics) Observe(id ID, d time.Duration) {
	if m == nil || !m.enableLatency || !IsHistogram(id) {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Since observes the time elapsed from start.
func (m *Metrics) Since(id ID, start time.Time) {
	if m.LatencyEnabled() {
		m.Observe(id, time.Since(start))
	}
}

func (m *Metrics) Value(id ID) uint64 {
	if m == nil || id >= idCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{
			Counters:   map[ID]uint64{},
			Histograms: map[ID][]uint64{},
		}
	}

	s := Snapshot{
		Counters:   make(map[ID]uint64, int(idCount)),
		Histograms: make(map[ID][]uint64, 2),
	}
	for id := ID(0); id < idCount; id++ {
		if IsHistogram(id) {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		for _, id := range []ID{RotationLatency, DetectionLatency} {
			buckets := make([]uint64, histBucketCount)
			for i := 0; i < histBucketCount; i++ {
				buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			}
			s.Histograms[id] = buckets
		}
	}
	return s
}

// IsHistogram reports whether id is a latency histogram rather than a counter.
func IsHistogram(id ID) bool {
	return id == RotationLatency || id == DetectionLatency
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
