// Package memtracker implements the process-wide Memory Tracker of
// spec.md §4.1: three accounted counters (netty-direct, disk-buffer
// in-flight, sort-memory), evaluated against pause/resume ratios on
// every accounting change, emitting edge-triggered PAUSE_PUSH /
// PAUSE_REPLICATE / RESUME signals to registered listeners. Modeled as
// a singleton service with explicit New/Start/Shutdown per spec.md §9's
// design notes on global mutable state; gauges are exported via
// github.com/prometheus/client_golang, mirroring weed/stats.
package memtracker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rsslabs/shuffle/internal/glog"
)

// Signal is an edge-triggered memory-pressure event.
type Signal int

const (
	SignalPausePush Signal = iota
	SignalPauseReplicate
	SignalResume
)

// Listener reacts to memory-pressure signal transitions (File Writers,
// Flushers drain buffered data to disk on receipt).
type Listener interface {
	OnMemorySignal(Signal)
}

// Counter names the three accounted memory pools of spec.md §4.1.
type Counter int

const (
	CounterNettyDirect Counter = iota
	CounterDiskBufferInFlight
	CounterSortMemory
	numCounters
)

// Tracker aggregates the three counters and evaluates pause/resume
// thresholds against MaxDirectMemory.
type Tracker struct {
	mu     sync.Mutex
	values [numCounters]int64

	maxDirectMemory     int64
	pausePushRatio      float64
	pauseReplicateRatio float64
	resumeRatio         float64

	pausedPush      bool
	pausedReplicate bool

	listeners []Listener

	gaugeTotal    prometheus.Gauge
	gaugePaused   prometheus.Gauge
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// New constructs a Tracker. Call Start to begin the periodic
// re-evaluation timer and Shutdown to stop it.
func New(maxDirectMemory int64, pausePushRatio, pauseReplicateRatio, resumeRatio float64) *Tracker {
	t := &Tracker{
		maxDirectMemory:     maxDirectMemory,
		pausePushRatio:      pausePushRatio,
		pauseReplicateRatio: pauseReplicateRatio,
		resumeRatio:         resumeRatio,
		stopCh:              make(chan struct{}),
		gaugeTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rss", Subsystem: "memtracker", Name: "used_bytes",
			Help: "total accounted direct memory in bytes",
		}),
		gaugePaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rss", Subsystem: "memtracker", Name: "paused",
			Help: "1 if PAUSE_PUSH is active, else 0",
		}),
	}
	return t
}

// Register registers an observer for pause/resume signals.
func (t *Tracker) Register(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Reserve accounts bytes against CounterDiskBufferInFlight and
// re-evaluates thresholds. It always succeeds (the spec's back-pressure
// is advisory via PAUSE_PUSH, not a hard reservation failure) but callers
// should check IsPausedPush before admitting new pushes.
func (t *Tracker) Reserve(bytes int64) bool {
	t.Add(CounterDiskBufferInFlight, bytes)
	return true
}

// Release credits bytes back to CounterDiskBufferInFlight.
func (t *Tracker) Release(bytes int64) {
	t.Add(CounterDiskBufferInFlight, -bytes)
}

// Add adjusts one counter and re-evaluates thresholds.
func (t *Tracker) Add(c Counter, delta int64) {
	t.mu.Lock()
	t.values[c] += delta
	total := t.total()
	t.mu.Unlock()

	t.gaugeTotal.Set(float64(total))
	t.evaluate(total)
}

func (t *Tracker) total() int64 {
	var sum int64
	for _, v := range t.values {
		sum += v
	}
	return sum
}

// Total returns the current aggregate across all three counters.
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total()
}

func (t *Tracker) evaluate(total int64) {
	if t.maxDirectMemory <= 0 {
		return
	}
	ratio := float64(total) / float64(t.maxDirectMemory)

	t.mu.Lock()
	var toEmit []Signal
	if ratio > t.pausePushRatio {
		if !t.pausedPush {
			t.pausedPush = true
			toEmit = append(toEmit, SignalPausePush)
		}
		if ratio > t.pauseReplicateRatio && !t.pausedReplicate {
			t.pausedReplicate = true
			toEmit = append(toEmit, SignalPauseReplicate)
		}
	} else if ratio < t.resumeRatio {
		if t.pausedPush || t.pausedReplicate {
			t.pausedPush = false
			t.pausedReplicate = false
			toEmit = append(toEmit, SignalResume)
		}
	}
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	if len(toEmit) == 0 {
		return
	}
	if t.pausedPush {
		t.gaugePaused.Set(1)
	} else {
		t.gaugePaused.Set(0)
	}
	for _, sig := range toEmit {
		glog.V(1).Infof("memtracker: emitting signal %d (ratio=%.3f)", sig, ratio)
		for _, l := range listeners {
			l.OnMemorySignal(sig)
		}
	}
}

// IsPausedPush reports whether PAUSE_PUSH is currently active.
func (t *Tracker) IsPausedPush() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pausedPush
}

// IsPausedReplicate reports whether PAUSE_REPLICATE is currently active.
func (t *Tracker) IsPausedReplicate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pausedReplicate
}

// Start begins a timer that re-evaluates thresholds even with no
// accounting change, catching the "spurious wakeups are safe" case from
// spec.md §4.1.
func (t *Tracker) Start(period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.evaluate(t.Total())
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the periodic re-evaluation timer.
func (t *Tracker) Shutdown() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Describe and Collect implement prometheus.Collector so a single
// Tracker instance can be registered directly with a registry.
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	t.gaugeTotal.Describe(ch)
	t.gaugePaused.Describe(ch)
}

func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	t.gaugeTotal.Collect(ch)
	t.gaugePaused.Collect(ch)
}
