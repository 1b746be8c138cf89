package relay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMeter(interval time.Duration) (*Meter, *time.Time) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := start
	m := NewMeter(interval)
	m.now = func() time.Time { return current }
	m.global.lastTick = current
	return m, &current
}

func TestMeterRateFromElapsedTime(t *testing.T) {
	m, clock := newTestMeter(time.Second)

	m.Record(7, 4096)
	m.Record(7, 4096)

	*clock = clock.Add(2 * time.Second)
	m.Tick()

	// 8192 bytes over 2 wall-clock seconds, not over the nominal 1s.
	if got := m.GlobalRate(); got != 4096 {
		t.Errorf("GlobalRate() = %v, want 4096", got)
	}
	if got := m.StreamRate(7); got != 4096 {
		t.Errorf("StreamRate(7) = %v, want 4096", got)
	}
	if got := m.GlobalTotal(); got != 8192 {
		t.Errorf("GlobalTotal() = %v, want 8192", got)
	}
}

func TestMeterIdleTickProducesZeroRate(t *testing.T) {
	m, clock := newTestMeter(time.Second)

	m.Record(1, 1000)
	*clock = clock.Add(time.Second)
	m.Tick()

	*clock = clock.Add(time.Second)
	m.Tick()

	if got := m.GlobalRate(); got != 0 {
		t.Errorf("GlobalRate() after idle tick = %v, want 0", got)
	}
	// Totals are lifetime counters and never reset.
	if got := m.GlobalTotal(); got != 1000 {
		t.Errorf("GlobalTotal() = %v, want 1000", got)
	}

	history := m.History()
	if len(history) != 2 {
		t.Fatalf("len(History()) = %d, want 2", len(history))
	}
	if history[1].BytesPerSecond != 0 || history[1].TotalBytes != 1000 {
		t.Errorf("idle sample = %+v, want rate 0 total 1000", history[1])
	}
}

func TestMeterHistoryRingEvictsOldest(t *testing.T) {
	m, clock := newTestMeter(time.Second)

	for i := 0; i < globalHistoryCap+20; i++ {
		m.Record(3, 100)
		*clock = clock.Add(time.Second)
		m.Tick()
	}

	history := m.History()
	if len(history) != globalHistoryCap {
		t.Fatalf("len(History()) = %d, want %d", len(history), globalHistoryCap)
	}
	// Oldest first: the first 20 samples were evicted, so the first kept
	// sample carries the 21st cumulative total.
	if got := history[0].TotalBytes; got != 2100 {
		t.Errorf("history[0].TotalBytes = %d, want 2100", got)
	}
	if got := history[len(history)-1].TotalBytes; got != int64(globalHistoryCap+20)*100 {
		t.Errorf("last sample total = %d, want %d", got, (globalHistoryCap+20)*100)
	}

	perStream := m.PerStream()
	if len(perStream) != 1 || perStream[0].StreamID != 3 {
		t.Fatalf("PerStream() = %+v, want one entry for stream 3", perStream)
	}
}

func TestMeterConcurrentRecordAccounting(t *testing.T) {
	const (
		goroutines      = 8
		records         = 500
		chunk           = 1024
		concurrentTicks = 40
	)

	// The clock is advanced atomically so the ticker goroutine and the
	// recorders can share it. Every tick moves time forward exactly one
	// second, making each history sample's rate equal the bytes accumulated
	// in that window.
	var clockNanos atomic.Int64
	clockNanos.Store(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	m := NewMeter(time.Second)
	m.now = func() time.Time { return time.Unix(0, clockNanos.Load()) }
	m.global.lastTick = m.now()

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		streamID := int64(g % 3)
		go func() {
			defer wg.Done()
			for i := 0; i < records; i++ {
				m.Record(streamID, chunk)
			}
		}()
	}

	// Ticks fire on schedule while the records are still in flight.
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		for i := 0; i < concurrentTicks; i++ {
			clockNanos.Add(int64(time.Second))
			m.Tick()
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
	<-tickerDone

	// One final tick collects whatever was recorded after the last
	// concurrent tick.
	clockNanos.Add(int64(time.Second))
	m.Tick()

	want := int64(goroutines * records * chunk)
	if got := m.GlobalTotal(); got != want {
		t.Errorf("GlobalTotal() = %d, want %d", got, want)
	}

	// The tick's read-reset-compute must neither lose nor double-count a
	// concurrent Record: the per-tick windows partition the recorded bytes
	// exactly.
	var windowSum float64
	for _, sample := range m.History() {
		windowSum += sample.BytesPerSecond
	}
	if int64(windowSum) != want {
		t.Errorf("sum of per-tick window bytes = %v, want %d", windowSum, want)
	}

	var perStreamSum int64
	for _, u := range m.PerStream() {
		perStreamSum += u.TotalBytes
	}
	if perStreamSum != want {
		t.Errorf("sum of per-stream totals = %d, want %d", perStreamSum, want)
	}
}

func TestMeterZeroAndNegativeRecordsIgnored(t *testing.T) {
	m, clock := newTestMeter(time.Second)

	m.Record(1, 0)
	m.Record(1, -5)

	*clock = clock.Add(time.Second)
	m.Tick()

	if got := m.GlobalTotal(); got != 0 {
		t.Errorf("GlobalTotal() = %d, want 0", got)
	}
	if got := len(m.PerStream()); got != 0 {
		t.Errorf("len(PerStream()) = %d, want 0", got)
	}
}
