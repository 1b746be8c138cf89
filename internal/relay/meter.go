package relay

import (
	"sync"
	"time"

	api "helmsman/pkg/api/helmsman"
)

// History bounds. The global ring keeps 100 one-second samples; per-stream
// rings are smaller since the dashboard only charts recent stream activity.
const (
	globalHistoryCap = 100
	streamHistoryCap = 30
)

// usage tracks byte counters for one scope (global or a single stream).
type usage struct {
	totalBytes int64
	tickBytes  int64
	perSecond  float64
	lastTick   time.Time
	history    []api.BandwidthSample
}

func (u *usage) tick(now time.Time, nominal time.Duration, capacity int) {
	// Actual wall-clock elapsed, not the nominal interval: scheduler jitter
	// shifts the denominator with the numerator, keeping rates honest.
	elapsed := now.Sub(u.lastTick)
	if elapsed <= 0 {
		elapsed = nominal
	}
	u.perSecond = float64(u.tickBytes) / elapsed.Seconds()
	u.tickBytes = 0
	u.lastTick = now

	if len(u.history) == capacity {
		copy(u.history, u.history[1:])
		u.history = u.history[:capacity-1]
	}
	u.history = append(u.history, api.BandwidthSample{
		Timestamp:      now,
		TotalBytes:     u.totalBytes,
		BytesPerSecond: u.perSecond,
	})
}

// StreamUsage is a point-in-time view of one stream's bandwidth counters.
type StreamUsage struct {
	StreamID       int64
	TotalBytes     int64
	BytesPerSecond float64
}

// Meter accumulates relayed byte counts per stream and globally, and turns
// them into 1 Hz rates on each Tick. Record and Tick share one mutex so the
// tick's read-reset-compute is atomic with respect to concurrent records.
type Meter struct {
	mu       sync.Mutex
	interval time.Duration
	global   usage
	streams  map[int64]*usage
	now      func() time.Time
}

// NewMeter creates a meter with the given nominal tick interval.
func NewMeter(interval time.Duration) *Meter {
	if interval <= 0 {
		interval = time.Second
	}
	m := &Meter{
		interval: interval,
		streams:  make(map[int64]*usage),
		now:      time.Now,
	}
	m.global.lastTick = m.now()
	return m
}

// Record adds n relayed bytes to the stream's and the global accumulator.
// Called from every relay loop on every chunk; O(1).
func (m *Meter) Record(streamID int64, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.global.totalBytes += int64(n)
	m.global.tickBytes += int64(n)

	u, ok := m.streams[streamID]
	if !ok {
		// Created lazily on first byte, never removed: stream-id cardinality
		// is bounded by the catalog.
		u = &usage{lastTick: m.now()}
		m.streams[streamID] = u
	}
	u.totalBytes += int64(n)
	u.tickBytes += int64(n)
	m.mu.Unlock()
}

// Tick converts the bytes accumulated since the previous tick into a rate
// and appends one history sample per scope, evicting the oldest when full.
func (m *Meter) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.global.tick(now, m.interval, globalHistoryCap)
	for _, u := range m.streams {
		u.tick(now, m.interval, streamHistoryCap)
	}
}

// GlobalRate returns the bytes-per-second computed at the last tick.
func (m *Meter) GlobalRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.perSecond
}

// GlobalTotal returns the lifetime relayed byte count.
func (m *Meter) GlobalTotal() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.totalBytes
}

// History returns a copy of the global sample ring, oldest first.
func (m *Meter) History() []api.BandwidthSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]api.BandwidthSample, len(m.global.history))
	copy(out, m.global.history)
	return out
}

// StreamRate returns the last-tick rate for one stream.
func (m *Meter) StreamRate(streamID int64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.streams[streamID]; ok {
		return u.perSecond
	}
	return 0
}

// StreamTotal returns the lifetime byte count for one stream.
func (m *Meter) StreamTotal(streamID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.streams[streamID]; ok {
		return u.totalBytes
	}
	return 0
}

// PerStream returns a point-in-time view of every stream that has ever
// transferred bytes.
func (m *Meter) PerStream() []StreamUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamUsage, 0, len(m.streams))
	for id, u := range m.streams {
		out = append(out, StreamUsage{
			StreamID:       id,
			TotalBytes:     u.totalBytes,
			BytesPerSecond: u.perSecond,
		})
	}
	return out
}
