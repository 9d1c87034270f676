// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vlog is the leveled logger used by the sync primitives in this
// module.  It is a thin layer over llog that adds functional configuration
// options and pflag registration.
package vlog

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/cosnicolaou/llog"
)

const (
	initialMaxStackBufSize = 128 * 1024
)

// Logger is a leveled logger writing through llog.
type Logger struct {
	log             *llog.Log
	mu              sync.Mutex // guards updates to the vars below.
	autoFlush       bool
	maxStackBufSize int
	logDir          string
	configured      bool
}

func (l *Logger) maybeFlush() {
	if l.autoFlush {
		l.log.Flush()
	}
}

var (
	// Log is the logger used by the package level functions.
	Log *Logger

	// ErrConfigured is returned by Configure when the logger has already
	// been configured and OverridePriorConfiguration was not given.
	ErrConfigured = errors.New("logger has already been configured")
)

const stackSkip = 1

func init() {
	Log = NewLogger("nsync")
}

// NewLogger creates a new logger whose files are named after name.
func NewLogger(name string) *Logger {
	return &Logger{log: llog.NewLogger(name, stackSkip), maxStackBufSize: initialMaxStackBufSize}
}

// Configure configures all future logging.  ErrConfigured is returned if
// Configure has already been called, unless the OverridePriorConfiguration
// option is included.
func (l *Logger) Configure(opts ...LoggingOpts) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	override := false
	for _, o := range opts {
		if v, ok := o.(OverridePriorConfiguration); ok {
			override = bool(v)
		}
	}
	if l.configured && !override {
		return ErrConfigured
	}
	for _, o := range opts {
		switch v := o.(type) {
		case AlsoLogToStderr:
			l.log.SetAlsoLogToStderr(bool(v))
		case Level:
			l.log.SetV(llog.Level(v))
		case LogDir:
			l.logDir = string(v)
			if len(l.logDir) != 0 {
				l.log.SetLogDir(l.logDir)
			}
		case LogToStderr:
			l.log.SetLogToStderr(bool(v))
		case MaxStackBufSize:
			sz := int(v)
			if sz > initialMaxStackBufSize {
				l.maxStackBufSize = sz
				l.log.SetMaxStackBufSize(sz)
			}
		case ModuleSpec:
			l.log.SetVModule(v.ModuleSpec)
		case TraceLocation:
			l.log.SetTraceLocation(v.TraceLocation)
		case StderrThreshold:
			l.log.SetStderrThreshold(llog.Severity(v))
		case AutoFlush:
			l.autoFlush = bool(v)
		}
	}
	l.configured = true
	return nil
}

// LogDir returns the directory where the log files are written.
func (l *Logger) LogDir() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.logDir) != 0 {
		return l.logDir
	}
	return os.TempDir()
}

// Info logs to the INFO log.
// Arguments are handled in the manner of fmt.Print; a newline is appended if missing.
func (l *Logger) Info(args ...interface{}) {
	l.log.Print(llog.InfoLog, args...)
	l.maybeFlush()
}

// Infof logs to the INFO log.
// Arguments are handled in the manner of fmt.Printf; a newline is appended if missing.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log.Printf(llog.InfoLog, format, args...)
	l.maybeFlush()
}

func infoStack(l *Logger, all bool) {
	n := initialMaxStackBufSize
	var trace []byte
	for n <= l.maxStackBufSize {
		trace = make([]byte, n)
		nbytes := runtime.Stack(trace, all)
		if nbytes < len(trace) {
			l.log.Printf(llog.InfoLog, "%s", trace[:nbytes])
			l.maybeFlush()
			return
		}
		n *= 2
	}
	l.log.Printf(llog.InfoLog, "%s", trace)
	l.maybeFlush()
}

// InfoStack logs the current goroutine's stack if the all parameter
// is false, or the stacks of all goroutines if it's true.
func (l *Logger) InfoStack(all bool) {
	infoStack(l, all)
}

// V returns true if the configured logging level is greater than or equal to v.
func (l *Logger) V(v Level) bool {
	return l.log.V(llog.Level(v))
}

type discardInfo struct{}

func (*discardInfo) Info(args ...interface{})                 {}
func (*discardInfo) Infof(format string, args ...interface{}) {}
func (*discardInfo) InfoStack(all bool)                       {}

// VI is like V, except that it returns an InfoLog that either logs or
// discards its parameters, allowing VI(2).Info style usage.
func (l *Logger) VI(v Level) InfoLog {
	if l.log.V(llog.Level(v)) {
		return l
	}
	return &discardInfo{}
}

// FlushLog flushes all pending log I/O.
func (l *Logger) FlushLog() {
	l.log.Flush()
}

// Error logs to the ERROR and INFO logs.
// Arguments are handled in the manner of fmt.Print; a newline is appended if missing.
func (l *Logger) Error(args ...interface{}) {
	l.log.Print(llog.ErrorLog, args...)
	l.maybeFlush()
}

// Errorf logs to the ERROR and INFO logs.
// Arguments are handled in the manner of fmt.Printf; a newline is appended if missing.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log.Printf(llog.ErrorLog, format, args...)
	l.maybeFlush()
}

// Panicf is equivalent to Errorf() followed by a call to panic().
func (l *Logger) Panicf(format string, args ...interface{}) {
	l.Errorf(format, args...)
	l.log.Flush()
	panic(fmt.Sprintf(format, args...))
}
