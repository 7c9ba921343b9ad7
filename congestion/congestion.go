// Package congestion implements the per-user and per-worker Congestion
// Controller of spec.md §4.6: a sliding produce-rate window per user and
// for the worker as a whole, watermark-based global congestion with
// hysteresis, hard per-user/per-worker rate caps, and eviction of users
// that stop producing. Grounded on
// worker/.../congestcontrol/CongestionController.java and its
// BufferStatusHub sliding window (see TestCongestionController.java for
// the watermark/average-speed semantics this package reproduces),
// expressed with a slice-backed window instead of a Scala ListBuffer and
// a prometheus.GaugeVec instead of the teacher's metrics source.
package congestion

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rsslabs/shuffle/model"
)

// sample is one timestamped produced-bytes observation.
type sample struct {
	at    time.Time
	bytes int64
}

// window is a sliding accumulation of samples over a fixed duration,
// reporting a bytes-per-second rate. Grounded on BufferStatusHub's
// ring-of-nodes-with-timestamp design.
type window struct {
	mu      sync.Mutex
	samples []sample
	span    time.Duration
	nowFn   func() time.Time
}

func newWindow(span time.Duration, nowFn func() time.Time) *window {
	return &window{span: span, nowFn: nowFn}
}

func (w *window) add(bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample{at: w.nowFn(), bytes: bytes})
	w.trimLocked()
}

func (w *window) trimLocked() {
	cutoff := w.nowFn().Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// rate returns bytes/sec averaged over whatever portion of span has
// elapsed since the oldest retained sample (at least 1 second, to avoid
// inflating the rate for a window that has barely opened).
func (w *window) rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked()
	if len(w.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range w.samples {
		total += s.bytes
	}
	elapsed := w.nowFn().Sub(w.samples[0].at).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(total) / elapsed
}

// userState tracks one tenant's produce window and congestion flag.
type userState struct {
	win        *window
	congested  bool
	lastActive time.Time
}

// Controller is the shared congestion evaluator for one worker process.
type Controller struct {
	mu    sync.Mutex
	users map[model.UserIdentifier]*userState

	workerWindow *window

	sampleWindow          time.Duration
	highWatermark         int64
	lowWatermark          int64
	userInactiveTimeout   time.Duration
	perUserRateCap        int64
	perWorkerRateCap      int64
	checkPeriod           time.Duration

	globalCongested bool

	pendingBytesFn func() int64

	nowFn func() time.Time

	gaugeCongestedUsers prometheus.Gauge

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Options configures a Controller. PendingBytesFn reports the worker's
// current total pending (buffered-but-not-flushed) bytes, mirroring the
// teacher's abstract getTotalPendingBytes().
type Options struct {
	SampleWindow        time.Duration
	HighWatermark       int64
	LowWatermark        int64
	UserInactiveTimeout time.Duration
	PerUserRateCap      int64
	PerWorkerRateCap    int64
	CheckPeriod         time.Duration
	PendingBytesFn      func() int64
}

// New constructs a Controller from opts. Call Start to begin periodic
// CheckCongestion ticks matching spec.md §4.6's evaluation loop.
func New(opts Options) *Controller {
	c := &Controller{
		users:               make(map[model.UserIdentifier]*userState),
		sampleWindow:        opts.SampleWindow,
		highWatermark:       opts.HighWatermark,
		lowWatermark:        opts.LowWatermark,
		userInactiveTimeout: opts.UserInactiveTimeout,
		perUserRateCap:      opts.PerUserRateCap,
		perWorkerRateCap:    opts.PerWorkerRateCap,
		checkPeriod:         opts.CheckPeriod,
		pendingBytesFn:      opts.PendingBytesFn,
		nowFn:               time.Now,
		stopCh:              make(chan struct{}),
		gaugeCongestedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rss", Subsystem: "congestion", Name: "congested_users",
			Help: "number of users currently congested",
		}),
	}
	c.workerWindow = newWindow(opts.SampleWindow, c.nowFn)
	return c
}

// ProduceBytes records n produced bytes for user, both in its own window
// and the worker-wide window.
func (c *Controller) ProduceBytes(user model.UserIdentifier, n int64) {
	c.mu.Lock()
	u, ok := c.users[user]
	if !ok {
		u = &userState{win: newWindow(c.sampleWindow, c.nowFn)}
		c.users[user] = u
	}
	u.lastActive = c.nowFn()
	c.mu.Unlock()

	u.win.add(n)
	c.workerWindow.add(n)
}

// IsUserCongested reports whether pushes from user should be delayed or
// rejected right now.
func (c *Controller) IsUserCongested(user model.UserIdentifier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[user]
	if !ok {
		return false
	}
	return u.congested
}

// CheckCongestion re-evaluates global and per-user congestion state. It
// is safe to call on a timer or synchronously after ProduceBytes.
func (c *Controller) CheckCongestion() {
	pending := int64(0)
	if c.pendingBytesFn != nil {
		pending = c.pendingBytesFn()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if pending > c.highWatermark {
		c.globalCongested = true
	} else if pending < c.lowWatermark {
		c.globalCongested = false
	}

	c.evictInactiveLocked()

	if !c.globalCongested && c.perWorkerRateCap <= 0 && c.perUserRateCap <= 0 {
		c.clearAllLocked()
		return
	}

	workerRate := c.workerWindow.rate()
	workerOverCap := c.perWorkerRateCap > 0 && workerRate > float64(c.perWorkerRateCap)

	var avgRate float64
	if len(c.users) > 0 {
		var sum float64
		for _, u := range c.users {
			sum += u.win.rate()
		}
		avgRate = sum / float64(len(c.users))
	}

	congestedCount := 0
	for _, u := range c.users {
		rate := u.win.rate()
		overUserCap := c.perUserRateCap > 0 && rate > float64(c.perUserRateCap)
		aboveAvgDuringGlobalCongestion := c.globalCongested && rate > avgRate
		u.congested = overUserCap || workerOverCap || aboveAvgDuringGlobalCongestion
		if u.congested {
			congestedCount++
		}
	}
	c.gaugeCongestedUsers.Set(float64(congestedCount))
}

func (c *Controller) clearAllLocked() {
	for _, u := range c.users {
		u.congested = false
	}
	c.gaugeCongestedUsers.Set(0)
}

func (c *Controller) evictInactiveLocked() {
	if c.userInactiveTimeout <= 0 {
		return
	}
	cutoff := c.nowFn().Add(-c.userInactiveTimeout)
	for id, u := range c.users {
		if u.lastActive.Before(cutoff) {
			delete(c.users, id)
		}
	}
}

// Start begins a background ticker calling CheckCongestion every
// checkPeriod, matching the teacher's dedicated check thread.
func (c *Controller) Start() {
	if c.checkPeriod <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.checkPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CheckCongestion()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the background ticker.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Describe and Collect implement prometheus.Collector.
func (c *Controller) Describe(ch chan<- *prometheus.Desc) {
	c.gaugeCongestedUsers.Describe(ch)
}

func (c *Controller) Collect(ch chan<- prometheus.Metric) {
	c.gaugeCongestedUsers.Collect(ch)
}
