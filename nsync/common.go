// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "fmt"
import "math"
import "runtime"
import "sync/atomic"
import "time"

import "v.io/x/sync/vlog"

// NoDeadline represents a time in the far future---a deadline that will not expire.
var NoDeadline time.Time

// zeroTime is the time returned by a Waitable that is ready.  Any time at
// or before it is treated as "ready now".
var zeroTime time.Time

// init() initializes the variable NoDeadline.
// If done inline, the godoc output is even more ugly.
func init() {
	NoDeadline = time.Now().Add(time.Duration(math.MaxInt64)).Add(time.Duration(math.MaxInt64))
}

// Values returned by the WaitWithDeadline() calls.
const (
	OK        = iota // Neither expired nor cancelled.
	Expired   = iota // absDeadline expired.
	Cancelled = iota // cancelNote was notified.
)

// isReady() returns whether t, a time returned by a Waitable, means that the
// object is ready.
func isReady(t time.Time) bool {
	return !t.After(zeroTime)
}

// minTime() returns the earlier of a and b.
func minTime(a time.Time, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

// spinDelay() is used in spinloops to delay resumption of the loop.
// Usage:
//     var attempts uint
//     for try_something {
//        attempts = spinDelay(attempts)
//     }
func spinDelay(attempts uint) uint {
	if attempts < 7 {
		for i := 0; i != 1<<attempts; i++ {
		}
		attempts++
	} else {
		runtime.Gosched()
	}
	return attempts
}

// spinTestAndSet() spins until (*w & test) == 0.  It then atomically performs
// *w = (*w | set) &^ clear and returns the previous value of *w.  It performs
// an acquire barrier.
func spinTestAndSet(w *uint32, test uint32, set uint32, clear uint32) uint32 {
	var attempts uint // spinlock retry count
	var old uint32 = atomic.LoadUint32(w)
	for (old&test) != 0 || !atomic.CompareAndSwapUint32(w, old, (old|set)&^clear) { // acquire CAS
		attempts = spinDelay(attempts)
		old = atomic.LoadUint32(w)
	}
	return old
}

// nsyncPanic() reports a misuse of a primitive that leaves its state
// unusable.  It logs the message, then panics.
func nsyncPanic(format string, args ...interface{}) {
	vlog.Panicf("nsync: %s", fmt.Sprintf(format, args...))
}
