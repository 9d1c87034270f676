// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vlog

import (
	"github.com/cosnicolaou/llog"
)

// InfoLog is the subset of Logger returned by VI.
type InfoLog interface {
	// Info logs to the INFO log.
	// Arguments are handled in the manner of fmt.Print; a newline is appended if missing.
	Info(args ...interface{})

	// Infof logs to the INFO log.
	// Arguments are handled in the manner of fmt.Printf; a newline is appended if missing.
	Infof(format string, args ...interface{})

	// InfoStack logs the current goroutine's stack if the all parameter
	// is false, or the stacks of all goroutines if it's true.
	InfoStack(all bool)
}

// Level specifies a level of verbosity for V logs.
// It implements the pflag.Value interface to support command line option parsing.
type Level llog.Level

// Set is part of the pflag.Value interface.
func (l *Level) Set(v string) error {
	return (*llog.Level)(l).Set(v)
}

// String is part of the pflag.Value interface.
func (l *Level) String() string {
	return (*llog.Level)(l).String()
}

// Type is part of the pflag.Value interface.
func (l *Level) Type() string {
	return "level"
}

// StderrThreshold identifies the sort of log: info, warning etc.
// It implements the pflag.Value interface to support command line option parsing.
type StderrThreshold llog.Severity

// Set is part of the pflag.Value interface.
func (s *StderrThreshold) Set(v string) error {
	return (*llog.Severity)(s).Set(v)
}

// String is part of the pflag.Value interface.
func (s *StderrThreshold) String() string {
	return (*llog.Severity)(s).String()
}

// Type is part of the pflag.Value interface.
func (s *StderrThreshold) Type() string {
	return "severity"
}

// ModuleSpec allows for the setting of specific log levels for specific
// modules. The syntax is recordio=2,file=1,gfs*=3
type ModuleSpec struct {
	llog.ModuleSpec
}

// Type is part of the pflag.Value interface.
func (m *ModuleSpec) Type() string {
	return "modulespec"
}

// TraceLocation specifies the location, file:N, which when encountered will
// cause logging to emit a stack trace.
type TraceLocation struct {
	llog.TraceLocation
}

// Type is part of the pflag.Value interface.
func (t *TraceLocation) Type() string {
	return "file:N"
}
