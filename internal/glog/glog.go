// Package glog is a small verbosity-leveled logger in the style of
// weed/glog: a single process-wide sink gated by an integer verbosity
// level, with Info/Warning/Error/Fatal severities.
package glog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var verbosity int32

// SetVerbosity sets the process-wide V() threshold.
func SetVerbosity(level int) {
	atomic.StoreInt32(&verbosity, int32(level))
}

var logger = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// Verbose gates Info-level logging behind a verbosity comparison, e.g.
// glog.V(2).Infof("flushed %d bytes", n).
type Verbose bool

// V reports whether logging at the given verbosity level is enabled.
func V(level int) Verbose {
	return Verbose(atomic.LoadInt32(&verbosity) >= int32(level))
}

func (v Verbose) Infof(format string, args ...interface{}) {
	if v {
		logger.Output(2, "I "+fmt.Sprintf(format, args...))
	}
}

func (v Verbose) Infoln(args ...interface{}) {
	if v {
		logger.Output(2, "I "+fmt.Sprintln(args...))
	}
}

func Warningf(format string, args ...interface{}) {
	logger.Output(2, "W "+fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	logger.Output(2, "E "+fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	logger.Output(2, "F "+fmt.Sprintf(format, args...))
	os.Exit(1)
}
