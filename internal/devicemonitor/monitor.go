// Package devicemonitor implements the periodic per-mount probe of
// spec.md §4.3: create/write/fsync/read/delete a small file on each
// registered mount, isolating mounts that fail, flagging (without
// isolating) mounts that run low on space, and notifying observers (File Writer, Flusher, Storage Manager). Grounded
// on server-worker/.../DeviceObserver.java's notify* observer shape from
// the Apache Celeborn sources, combined with weed/storage/disk_location.go's
// per-mount bookkeeping style.
package devicemonitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rsslabs/shuffle/internal/glog"
)

// ErrorKind classifies why a mount was isolated.
type ErrorKind int

const (
	ErrorReadWriteFailure ErrorKind = iota
	ErrorInsufficientDiskSpace
	ErrorFlushTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorReadWriteFailure:
		return "ReadWriteFailure"
	case ErrorInsufficientDiskSpace:
		return "InsufficientDiskSpace"
	case ErrorFlushTimeout:
		return "FlushTimeout"
	default:
		return "Unknown"
	}
}

// Observer receives mount health transitions.
type Observer interface {
	OnError(mount string, kind ErrorKind)
	OnHealthy(mount string)
	OnHighDiskUsage(mount string)
}

type mountState struct {
	isolated     bool
	highUsage    bool
	lastKind     ErrorKind
}

// Monitor probes every registered mount on a fixed interval.
type Monitor struct {
	mu        sync.Mutex
	mounts    map[string]*mountState
	observers []Observer
	interval  time.Duration
	highUsageThreshold float64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor probing every interval. A mount whose usage
// exceeds highUsageThreshold (a fraction in (0,1]) is reported to
// observers via OnHighDiskUsage; it is not marked isolated, so
// IsIsolated stays false for it.
func New(interval time.Duration, highUsageThreshold float64) *Monitor {
	return &Monitor{
		mounts:             make(map[string]*mountState),
		interval:           interval,
		highUsageThreshold: highUsageThreshold,
		stopCh:             make(chan struct{}),
	}
}

// Register adds a mount to the probe rotation.
func (m *Monitor) Register(mount string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mounts[mount]; !ok {
		m.mounts[mount] = &mountState{}
	}
}

// Subscribe adds an observer notified of health transitions.
func (m *Monitor) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// IsIsolated reports whether a mount is currently quarantined (hard
// failure) — new writers must not pick it.
func (m *Monitor) IsIsolated(mount string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.mounts[mount]
	return ok && s.isolated
}

// ReportError is called directly by a Flusher on an IOError or
// slow-flush timeout; it isolates the mount immediately without waiting
// for the next probe tick.
func (m *Monitor) ReportError(mount string, kind ErrorKind) {
	m.mu.Lock()
	s, ok := m.mounts[mount]
	if !ok {
		s = &mountState{}
		m.mounts[mount] = s
	}
	wasIsolated := s.isolated
	s.isolated = true
	s.lastKind = kind
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if wasIsolated {
		return
	}
	glog.Warningf("devicemonitor: isolating mount %s (%s)", mount, kind)
	for _, o := range observers {
		o.OnError(mount, kind)
	}
}

// Start begins the periodic probe loop.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the probe loop.
func (m *Monitor) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) probeAll() {
	m.mu.Lock()
	mounts := make([]string, 0, len(m.mounts))
	for mnt := range m.mounts {
		mounts = append(mounts, mnt)
	}
	m.mu.Unlock()

	for _, mnt := range mounts {
		m.probeOne(mnt)
	}
}

func (m *Monitor) probeOne(mount string) {
	kind, err := probe(mount)

	m.mu.Lock()
	s := m.mounts[mount]
	if s == nil {
		s = &mountState{}
		m.mounts[mount] = s
	}
	wasIsolated := s.isolated
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if err != nil {
		m.ReportError(mount, kind)
		return
	}

	highUsage, usageErr := m.checkDiskUsage(mount)
	if usageErr == nil && highUsage {
		m.mu.Lock()
		already := s.highUsage
		s.highUsage = true
		m.mu.Unlock()
		if !already {
			glog.Warningf("devicemonitor: mount %s over high-usage threshold", mount)
			for _, o := range observers {
				o.OnHighDiskUsage(mount)
			}
		}
	} else {
		m.mu.Lock()
		s.highUsage = false
		m.mu.Unlock()
	}

	if wasIsolated {
		m.mu.Lock()
		s.isolated = false
		m.mu.Unlock()
		glog.V(0).Infof("devicemonitor: mount %s re-admitted healthy", mount)
		for _, o := range observers {
			o.OnHealthy(mount)
		}
	}
}

func probe(mount string) (ErrorKind, error) {
	probeFile := filepath.Join(mount, fmt.Sprintf(".rss-probe-%d", time.Now().UnixNano()))
	f, err := os.Create(probeFile)
	if err != nil {
		return ErrorReadWriteFailure, err
	}
	defer os.Remove(probeFile)

	payload := []byte("rss-device-probe")
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return ErrorReadWriteFailure, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ErrorReadWriteFailure, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return ErrorReadWriteFailure, err
	}
	readBack := make([]byte, len(payload))
	if _, err := f.Read(readBack); err != nil {
		f.Close()
		return ErrorReadWriteFailure, err
	}
	if err := f.Close(); err != nil {
		return ErrorReadWriteFailure, err
	}
	return 0, nil
}

func (m *Monitor) checkDiskUsage(mount string) (bool, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(mount, &stat); err != nil {
		return false, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return false, nil
	}
	used := 1.0 - float64(free)/float64(total)
	if used >= 1.0 {
		return true, nil
	}
	return used > m.highUsageThreshold, nil
}
