// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "sync/atomic"
import "time"
import "unsafe"

import "golang.org/x/sys/cpu"

// A Once runs a function at most once.  Its zero value is ready for use.
// Unlike sync.Once, a Once carries only a word of state: threads that arrive
// while the function runs wait on a Mu and CV drawn from a small shared
// table.
type Once struct {
	state uint32 // onceNone, onceRunning or onceDone; atomic.
}

// Values of Once.state.
const (
	onceNone    = iota // f has not been called.
	onceRunning = iota // some thread is calling f.
	onceDone    = iota // f has returned.
)

// onceSync holds the Mu and CV on which threads wait for the Onces that hash
// to it.  Waits use bounded deadlines, so a Once that moves (as a stack
// variable may) and so hashes elsewhere still completes.
type onceSync struct {
	mu Mu
	cv CV
	_  cpu.CacheLinePad
}

var onceSyncTable [64]onceSync

// onceSyncFor() returns the onceSync for *o.
func onceSyncFor(o *Once) *onceSync {
	h := uintptr(unsafe.Pointer(o)) / unsafe.Sizeof(*o)
	return &onceSyncTable[h%uintptr(len(onceSyncTable))]
}

// Do() calls f if and only if Do() or DoSpin() has not been called on *o
// before.  No call to Do() or DoSpin() on *o returns until f has returned.
// If f panics, *o is still considered done.
func (o *Once) Do(f func()) {
	if atomic.LoadUint32(&o.state) != onceDone { // acquire load
		o.doSlow(onceSyncFor(o), f)
	}
}

// DoSpin() is like Do(), but threads that arrive while f runs spin rather
// than block.  It is intended for functions known to be quick.
func (o *Once) DoSpin(f func()) {
	if atomic.LoadUint32(&o.state) != onceDone { // acquire load
		o.doSlow(nil, f)
	}
}

// doSlow() is the slow path of Do() and DoSpin().  Waiters block on s, or
// spin if s is nil.
func (o *Once) doSlow(s *onceSync, f func()) {
	if s != nil {
		s.mu.Lock()
	}
	if atomic.CompareAndSwapUint32(&o.state, onceNone, onceRunning) { // acquire CAS
		if s != nil {
			s.mu.Unlock()
		}
		defer o.finish(s)
		f()
		return
	}
	var attempts uint
	var delay time.Duration
	for atomic.LoadUint32(&o.state) != onceDone { // acquire load
		if s != nil {
			if delay < 50*time.Millisecond {
				delay += 10 * time.Millisecond
			}
			s.cv.WaitWithDeadline(&s.mu, time.Now().Add(delay), nil)
		} else {
			attempts = spinDelay(attempts)
		}
	}
	if s != nil {
		s.mu.Unlock()
	}
}

// finish() marks *o done, and wakes the threads waiting on s.
func (o *Once) finish(s *onceSync) {
	if s != nil {
		s.mu.Lock()
		atomic.StoreUint32(&o.state, onceDone) // release store
		s.cv.Broadcast()
		s.mu.Unlock()
	} else {
		atomic.StoreUint32(&o.state, onceDone) // release store
	}
}
