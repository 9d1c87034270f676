// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "sync"
import "time"

// A Waitable is an object that WaitN() can wait for, such as a *Note, a
// *Counter, or a *CV.  Clients may implement Waitable for their own types by
// keeping a WaiterList under a lock of their own, and waking its Waiters
// with WakeAll() (or Wake()) when the object becomes ready.
//
// The times returned by the methods follow one convention: a time at or
// before the zero time.Time means "ready now"; any other time is when the
// object will become ready if nothing else happens, with NoDeadline meaning
// never.
type Waitable interface {
	// ReadyTime() returns when the object will be ready.  nw is nil when
	// WaitN() polls before enqueueing, and otherwise is the Waiter that
	// Enqueue() was given.
	ReadyTime(nw *Waiter) time.Time

	// Enqueue() queues nw on the object unless it is already ready, and
	// returns ReadyTime().  If the object is ready, nw must not be queued.
	Enqueue(nw *Waiter) time.Time

	// Dequeue() removes nw from the object's queue if it is still there,
	// and returns a ready time if nw had been woken or the object is ready.
	// It may be called for an nw that is no longer queued.
	Dequeue(nw *Waiter) time.Time
}

// WaitN() waits until one of waitables is ready, or absDeadline passes.  It
// returns the index of a ready object, or len(waitables) if none became ready
// before the deadline.  If mu is non-nil, it is held by the caller; WaitN()
// releases it while it blocks and reacquires it before returning.
//
// Example, waiting for a Counter to reach zero, with cancellation:
//      switch nsync.WaitN(nil, deadline, counter, cancelNote) {
//      case 0: // counter reached zero
//      case 1: // cancelled
//      default: // deadline expired
//      }
func WaitN(mu sync.Locker, absDeadline time.Time, waitables ...Waitable) int {
	count := len(waitables)
	ready := 0
	for ready != count && !isReady(waitables[ready].ReadyTime(nil)) {
		ready++
	}
	if ready != count || isReady(absDeadline) {
		return ready
	}

	w := newWaiter()
	var nwSet [4]Waiter
	var nw []Waiter
	if count <= len(nwSet) {
		nw = nwSet[:count]
	} else {
		nw = make([]Waiter, count)
	}
	i := 0
	enqueued := true
	for ; i != count && enqueued; i++ {
		nw[i].init(&w.sem)
		enqueued = !isReady(waitables[i].Enqueue(&nw[i]))
	}

	unlocked := false
	if i == count && enqueued {
		if mu != nil {
			mu.Unlock()
			unlocked = true
		}
		for {
			minNtime := absDeadline
			for j := 0; j != count; j++ {
				minNtime = minTime(minNtime, waitables[j].ReadyTime(&nw[j]))
			}
			if isReady(minNtime) || w.sem.PWithDeadline(w.deadlineTimer, minNtime) != OK {
				break
			}
		}
	}

	// An attempt was made above to enqueue waitables[0..i-1].  Dequeue any
	// that are still enqueued, and remember the index of the first that is
	// ready, if any.
	for j := 0; j != i; j++ {
		if isReady(waitables[j].Dequeue(&nw[j])) && ready == count {
			ready = j
		}
	}

	freeWaiter(w)
	if unlocked {
		mu.Lock()
	}
	return ready
}
