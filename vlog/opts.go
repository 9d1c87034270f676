// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vlog

// LoggingOpts is implemented by every option accepted by Configure.
type LoggingOpts interface {
	LoggingOpt()
}

type AutoFlush bool
type AlsoLogToStderr bool
type LogDir string
type LogToStderr bool
type MaxStackBufSize int
type OverridePriorConfiguration bool

// If true, logs are written to standard error as well as to files.
func (AlsoLogToStderr) LoggingOpt() {}

// Enable V-leveled logging at the specified level.
func (Level) LoggingOpt() {}

// log files will be written to this directory instead of the
// default temporary directory.
func (LogDir) LoggingOpt() {}

// If true, logs are written to standard error instead of to files.
func (LogToStderr) LoggingOpt() {}

// Set the max size (bytes) of the byte buffer to use for stack
// traces. A min of 128K is enforced and any attempts to reduce this will
// be silently ignored.
func (MaxStackBufSize) LoggingOpt() {}

// The syntax of the argument is a comma-separated list of pattern=N,
// where pattern is a literal file name (minus the ".go" suffix) or
// "glob" pattern and N is a V level.
func (ModuleSpec) LoggingOpt() {}

// Log events at or above this severity are logged to standard
// error as well as to files.
func (StderrThreshold) LoggingOpt() {}

// When set to a file and line number holding a logging statement, a stack
// trace will be written to the Info log whenever execution hits that
// statement.
func (TraceLocation) LoggingOpt() {}

// If true, enables automatic flushing of log output on every call
func (AutoFlush) LoggingOpt() {}

// If true, Configure may be called on an already configured logger.
func (OverridePriorConfiguration) LoggingOpt() {}
