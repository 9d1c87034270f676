// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vlog

import (
	"github.com/cosnicolaou/llog"
	"github.com/spf13/pflag"
)

// LoggingFlags represents all of the flags that can be used to configure
// logging.
type LoggingFlags struct {
	ToStderr        bool
	AlsoToStderr    bool
	LogDir          string
	Verbosity       Level
	StderrThreshold StderrThreshold
	VModule         ModuleSpec
	TraceLocation   TraceLocation
	MaxStackBufSize int
}

// RegisterLoggingFlags registers the logging flags with the specified
// flagset and with prefix prepended to their flag names.
//   --<prefix>v
//   --<prefix>log_dir
//   --<prefix>logtostderr
//   --<prefix>alsologtostderr
//   --<prefix>max_stack_buf_size
//   --<prefix>stderrthreshold
//   --<prefix>vmodule
//   --<prefix>log_backtrace_at
func RegisterLoggingFlags(fs *pflag.FlagSet, lf *LoggingFlags, prefix string) {
	lf.StderrThreshold = StderrThreshold(llog.ErrorLog)
	fs.Var(&lf.Verbosity, prefix+"v", "log level for V logs")
	fs.StringVar(&lf.LogDir, prefix+"log_dir", "", "if non-empty, write log files to this directory")
	fs.BoolVar(&lf.ToStderr, prefix+"logtostderr", false, "log to standard error instead of files")
	fs.BoolVar(&lf.AlsoToStderr, prefix+"alsologtostderr", false, "log to standard error as well as files")
	fs.IntVar(&lf.MaxStackBufSize, prefix+"max_stack_buf_size", 4192*1024, "max size in bytes of the buffer to use for logging stack traces")
	fs.Var(&lf.StderrThreshold, prefix+"stderrthreshold", "logs at or above this threshold go to stderr")
	fs.Var(&lf.VModule, prefix+"vmodule", "comma-separated list of globpattern=N settings for filename-filtered logging (without the .go suffix)")
	fs.Var(&lf.TraceLocation, prefix+"log_backtrace_at", "when logging hits line file:N, emit a stack trace")
}

// ConfigureFromLoggingFlags will configure the logger using the specified
// LoggingFlags.  Options in opts are applied after those derived from lf.
func (l *Logger) ConfigureFromLoggingFlags(lf *LoggingFlags, opts ...LoggingOpts) error {
	all := []LoggingOpts{
		LogToStderr(lf.ToStderr),
		AlsoLogToStderr(lf.AlsoToStderr),
		LogDir(lf.LogDir),
		Level(lf.Verbosity),
		StderrThreshold(lf.StderrThreshold),
		ModuleSpec(lf.VModule),
		TraceLocation(lf.TraceLocation),
		MaxStackBufSize(lf.MaxStackBufSize),
	}
	all = append(all, opts...)
	return l.Configure(all...)
}

// ConfigureFromFlags configures the package logger from lf, which must
// have been registered with RegisterLoggingFlags and parsed.
func ConfigureFromFlags(lf *LoggingFlags, opts ...LoggingOpts) error {
	return Log.ConfigureFromLoggingFlags(lf, opts...)
}
