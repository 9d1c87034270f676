// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "fmt"
import "sync/atomic"

import "github.com/spf13/pflag"

import "v.io/x/sync/vlog"

// DefaultLongWaitThreshold is the number of times a thread may be woken from a
// Mu queue without acquiring the lock before it sets muLongWait, forcing
// newcomers to queue behind it.
const DefaultLongWaitThreshold = 30

// Flags holds the tunables of the package.
type Flags struct {
	// LongWaitThreshold is the starvation threshold; it must be positive.
	LongWaitThreshold int
	// Debug enables consistency checks on waiter queues and verbose
	// logging of starvation escalations.
	Debug bool
}

var config struct {
	longWaitThreshold uint32 // atomic
	debug             uint32 // atomic; non-zero <=> Flags.Debug
}

func init() {
	config.longWaitThreshold = DefaultLongWaitThreshold
}

// RegisterFlags registers f's fields with fs, each name preceded by prefix:
//   --<prefix>long_wait_threshold
//   --<prefix>debug
func RegisterFlags(fs *pflag.FlagSet, f *Flags, prefix string) {
	fs.IntVar(&f.LongWaitThreshold, prefix+"long_wait_threshold", DefaultLongWaitThreshold,
		"number of wakeups without acquiring an nsync.Mu after which a waiter stops newcomers from barging")
	fs.BoolVar(&f.Debug, prefix+"debug", false, "check waiter queue consistency")
}

// Configure applies f.  It may be called at any time; threads already waiting
// use the new values on their next wakeup.
func Configure(f Flags) error {
	if f.LongWaitThreshold <= 0 {
		return fmt.Errorf("nsync: long wait threshold must be positive, got %d", f.LongWaitThreshold)
	}
	atomic.StoreUint32(&config.longWaitThreshold, uint32(f.LongWaitThreshold))
	var debug uint32
	if f.Debug {
		debug = 1
	}
	atomic.StoreUint32(&config.debug, debug)
	vlog.VI(1).Infof("nsync: long_wait_threshold=%d debug=%v", f.LongWaitThreshold, f.Debug)
	return nil
}

// CurrentFlags returns the values in effect.
func CurrentFlags() Flags {
	return Flags{
		LongWaitThreshold: int(longWaitThreshold()),
		Debug:             debugEnabled(),
	}
}

func longWaitThreshold() uint32 {
	return atomic.LoadUint32(&config.longWaitThreshold)
}

func debugEnabled() bool {
	return atomic.LoadUint32(&config.debug) != 0
}
