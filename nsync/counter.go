// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "sync/atomic"
import "time"

// A Counter is an unsigned integer that threads can wait to reach zero.  It
// is typically used to wait for a set of activities to finish: each adds 1
// when it starts and -1 when it finishes.
//
// Once a thread has waited for a Counter (with Wait(), WaitN(), or by calling
// ReadyTime()), it is an error to increment it from zero, since a waiter may
// already have returned; such a Counter should not be reused.
//
// Example:
//      c := nsync.NewCounter(uint32(len(work)))
//      for _, item := range work {
//              go func(item workItem) {
//                      item.run()
//                      c.Add(-1)
//              }(item)
//      }
//      c.Wait(nsync.NoDeadline)
type Counter struct {
	mu      Mu         // protects waiters, and serializes writes of value.
	value   uint32     // read and written atomically.
	waited  uint32     // non-zero once some thread has waited; atomic.
	waiters WaiterList // Waiters to wake when value reaches zero.
}

// NewCounter() returns a Counter with the given initial value.
func NewCounter(value uint32) *Counter {
	return &Counter{value: value}
}

// Add() adds delta to *c, and returns the new value.  If the value reaches
// zero, every thread waiting on *c is woken.  It panics if the value would
// overflow or go below zero, or if *c would be incremented from zero after a
// thread has waited on it.
func (c *Counter) Add(delta int32) uint32 {
	if delta == 0 {
		return atomic.LoadUint32(&c.value) // acquire load
	}
	c.mu.Lock()
	oldValue := atomic.LoadUint32(&c.value)
	value := oldValue + uint32(delta)
	if delta > 0 {
		if value < oldValue {
			c.mu.Unlock()
			nsyncPanic("Counter.Add(%d) overflows value %d", delta, oldValue)
		}
		if oldValue == 0 && atomic.LoadUint32(&c.waited) != 0 {
			c.mu.Unlock()
			nsyncPanic("Counter.Add(%d) increments from zero a Counter that has been waited on", delta)
		}
	} else if value > oldValue {
		c.mu.Unlock()
		nsyncPanic("Counter.Add(%d) makes value %d negative", delta, oldValue)
	}
	atomic.StoreUint32(&c.value, value) // release store
	if value == 0 {
		c.waiters.WakeAll()
	}
	c.mu.Unlock()
	return value
}

// Value() returns the current value of *c.
func (c *Counter) Value() uint32 {
	return atomic.LoadUint32(&c.value) // acquire load
}

// Wait() waits until *c is zero or absDeadline passes, and returns the value
// of *c: zero unless the deadline expired.
func (c *Counter) Wait(absDeadline time.Time) uint32 {
	if WaitN(nil, absDeadline, c) == 0 {
		return 0
	}
	return atomic.LoadUint32(&c.value) // acquire load
}

// ------------------------------------------

// ReadyTime() is part of the Waitable interface.
func (c *Counter) ReadyTime(nw *Waiter) time.Time {
	atomic.StoreUint32(&c.waited, 1)
	if atomic.LoadUint32(&c.value) == 0 { // acquire load
		return zeroTime
	}
	return NoDeadline
}

// Enqueue() is part of the Waitable interface.
func (c *Counter) Enqueue(nw *Waiter) time.Time {
	res := zeroTime
	c.mu.Lock()
	if atomic.LoadUint32(&c.value) != 0 {
		c.waiters.PushBack(nw)
		res = NoDeadline
	} else {
		atomic.StoreUint32(&nw.waiting, 0)
	}
	c.mu.Unlock()
	return res
}

// Dequeue() is part of the Waitable interface.
func (c *Counter) Dequeue(nw *Waiter) time.Time {
	res := zeroTime
	c.mu.Lock()
	if atomic.LoadUint32(&c.value) != 0 {
		res = NoDeadline
	}
	c.waiters.Remove(nw)
	c.mu.Unlock()
	return res
}
