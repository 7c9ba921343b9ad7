// Package diskflusher implements the per-mount Disk Flusher of
// spec.md §4.2: a bounded work queue and a small pool of writer
// goroutines per mount that gather composite buffers into sequential
// writes, return buffers to the pool, and report IO errors and slow
// flushes to the Device Monitor. Grounded on weed/storage/disk_location.go's
// one-flusher-per-mount ownership model, generalized from seaweedfs's
// single append call per Volume.write to the spec's explicit task queue
// + notifier design.
package diskflusher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/internal/bufferpool"
	"github.com/rsslabs/shuffle/internal/devicemonitor"
	"github.com/rsslabs/shuffle/internal/glog"
)

// FlushTarget is the write destination of a FlushTask: a single
// partition's backing file. Implemented by storage.FileWriter.
type FlushTarget interface {
	WriteComponents(components [][]byte) (int64, error)
	RegisterChunk(size int64)
}

// Notifier is completed once a task's write finishes (successfully or
// not); a Flush is considered "enqueued" the moment Submit returns nil,
// while completion/failure is observed separately here. The Push Handler
// waits on neither: it acks a push once FileWriter.Write has appended the
// batch to the writer's in-memory buffer, which can be before any
// FlushTask holding that batch has been submitted.
type Notifier struct {
	done chan struct{}
	err  atomic.Value // error
	once sync.Once
}

func NewNotifier() *Notifier {
	return &Notifier{done: make(chan struct{})}
}

func (n *Notifier) complete(err error) {
	n.once.Do(func() {
		if err != nil {
			n.err.Store(err)
		}
		close(n.done)
	})
}

// Wait blocks until the task completes, returning its error (nil on
// success).
func (n *Notifier) Wait() error {
	<-n.done
	if v := n.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Done reports whether the task has completed without blocking.
func (n *Notifier) Done() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// FlushTask is one unit of work: flush buf's components into target,
// then release buf back to its pool and complete notifier.
type FlushTask struct {
	Buffer   *bufferpool.Buffer
	Target   FlushTarget
	Notifier *Notifier
}

// Flusher owns one mount point's work queue and writer pool.
type Flusher struct {
	mount    string
	pool     *bufferpool.Pool
	monitor  *devicemonitor.Monitor
	queue    chan *FlushTask
	slowFlushThreshold time.Duration

	stopped int32
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New creates a Flusher for mount with queueDepth capacity and
// numWriters writer goroutines (default 2 x disks per spec.md §4.2).
func New(mount string, queueDepth, numWriters int, pool *bufferpool.Pool, monitor *devicemonitor.Monitor, slowFlushThreshold time.Duration) *Flusher {
	f := &Flusher{
		mount:              mount,
		pool:               pool,
		monitor:            monitor,
		queue:              make(chan *FlushTask, queueDepth),
		slowFlushThreshold: slowFlushThreshold,
		stopCh:             make(chan struct{}),
	}
	for i := 0; i < numWriters; i++ {
		f.wg.Add(1)
		go f.writerLoop()
	}
	return f
}

// Submit enqueues a task, failing fast with FlusherBackPressure if the
// queue does not have room within timeout, or if the flusher has
// latched stopped after an IO error.
func (f *Flusher) Submit(task *FlushTask, timeout time.Duration) error {
	if atomic.LoadInt32(&f.stopped) != 0 {
		task.Notifier.complete(errs.New(errs.KindPushDataWriteFailPrimary, "flusher stopped"))
		return errs.New(errs.KindFlusherBackPressure, "flusher stopped on mount "+f.mount)
	}
	select {
	case f.queue <- task:
		return nil
	case <-time.After(timeout):
		return errs.New(errs.KindFlusherBackPressure, "queue full on mount "+f.mount)
	}
}

func (f *Flusher) writerLoop() {
	defer f.wg.Done()
	for {
		select {
		case task := <-f.queue:
			f.runTask(task)
		case <-f.stopCh:
			f.drainAndFailRemaining()
			return
		}
	}
}

func (f *Flusher) runTask(task *FlushTask) {
	start := time.Now()
	components := task.Buffer.Components()
	n, err := task.Target.WriteComponents(components)
	elapsed := time.Since(start)

	if err != nil {
		f.latchStopped()
		f.monitor.ReportError(f.mount, devicemonitor.ErrorReadWriteFailure)
		task.Notifier.complete(errs.Wrap(errs.KindPushDataWriteFailPrimary, "flush write failed", err))
		f.pool.Release(task.Buffer)
		return
	}

	if f.slowFlushThreshold > 0 && elapsed > f.slowFlushThreshold {
		glog.Warningf("diskflusher: slow flush on %s took %v (threshold %v)", f.mount, elapsed, f.slowFlushThreshold)
		f.monitor.ReportError(f.mount, devicemonitor.ErrorFlushTimeout)
	}

	task.Target.RegisterChunk(n)
	task.Notifier.complete(nil)
	f.pool.Release(task.Buffer)
}

func (f *Flusher) latchStopped() {
	atomic.StoreInt32(&f.stopped, 1)
}

// IsStopped reports whether this flusher has latched a fatal IO error.
func (f *Flusher) IsStopped() bool {
	return atomic.LoadInt32(&f.stopped) != 0
}

func (f *Flusher) drainAndFailRemaining() {
	for {
		select {
		case task := <-f.queue:
			task.Notifier.complete(errs.New(errs.KindPushDataWriteFailPrimary, "flusher shut down"))
			f.pool.Release(task.Buffer)
		default:
			return
		}
	}
}

// Shutdown stops accepting new work and fails anything still queued.
func (f *Flusher) Shutdown() {
	close(f.stopCh)
	f.wg.Wait()
}
