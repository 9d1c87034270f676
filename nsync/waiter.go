// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "math"
import "runtime"
import "sync"
import "sync/atomic"
import "time"

import "golang.org/x/sys/cpu"

// --------------------------------

// A Waiter represents one blocked thread (or one participant in a WaitN()) on
// the queue of a Waitable.  Implementations of Waitable queue the *Waiter
// passed to Enqueue() on a WaiterList, and wake it with Wake() when the
// object becomes ready.
type Waiter struct {
	tag     uint32           // debug; nwTag while in use.
	sem     *binarySemaphore // the semaphore shared by all the Waiters of a thread.
	q       dllElem[Waiter]  // linkage in the queue of the object waited upon.
	waiting uint32           // non-zero <=> still queued; read and written atomically.
	flags   uint32           // waiterFlagMuCV if embedded in a *waiter.
	w       *waiter          // the waiter this Waiter is embedded in, if waiterFlagMuCV.
}

// Waiting() returns whether *nw is still queued, and so has not been woken.
func (nw *Waiter) Waiting() bool {
	return atomic.LoadUint32(&nw.waiting) != 0 // acquire load
}

// Wake() marks *nw as no longer waiting and wakes its thread.  *nw must
// already have been removed from whatever queue it was on.
func (nw *Waiter) Wake() {
	sem := nw.sem
	atomic.StoreUint32(&nw.waiting, 0) // release store
	sem.V()
}

// init() prepares *nw to wait on sem.
func (nw *Waiter) init(sem *binarySemaphore) {
	nw.tag = nwTag
	nw.sem = sem
	nw.q.init(nw)
	nw.waiting = 0
	nw.flags = 0
	nw.w = nil
}

// A WaiterList is a queue of Waiters.  It is used by implementations of
// Waitable, which must protect it with a lock of their own.  The zero
// WaiterList is empty.
type WaiterList struct {
	l dllList[Waiter]
}

// IsEmpty() returns whether *l is empty.
func (l *WaiterList) IsEmpty() bool {
	return l.l.isEmpty()
}

// PushBack() appends *nw to *l and marks it waiting.
func (l *WaiterList) PushBack(nw *Waiter) {
	l.l.makeLast(&nw.q)
	atomic.StoreUint32(&nw.waiting, 1)
}

// Remove() removes *nw from *l if it is still waiting, and returns whether it
// was.  It may be called more than once for the same *nw.
func (l *WaiterList) Remove(nw *Waiter) bool {
	if atomic.LoadUint32(&nw.waiting) == 0 { // acquire load
		return false
	}
	l.l.remove(&nw.q)
	atomic.StoreUint32(&nw.waiting, 0)
	return true
}

// WakeAll() removes every Waiter from *l and wakes it.
func (l *WaiterList) WakeAll() {
	for p := l.l.first(); p != nil; p = l.l.first() {
		l.l.remove(p)
		p.elem.Wake()
	}
}

// --------------------------------

// A waiter represents a single waiter on a CV or a Mu.
//
// To wait:
// Allocate a waiter struct *w with newWaiter(), set w.nw.waiting=1, and
// w.cvMu=nil or to the associated Mu if waiting on a condition variable, then
// queue w.nw.q on some queue, and then wait using:
//    for atomic.LoadUint32(&w.nw.waiting) != 0 { w.sem.P() }
// Return *w to the pool by calling freeWaiter(w).
//
// To wakeup:
// Remove *w from the relevant queue then:
//  w.nw.Wake()
type waiter struct {
	tag           uint32          // debug; waiterTag.
	flags         uint32          // waiterReserved, waiterInUse; touched only by the owner.
	nw            Waiter          // the Waiter placed on queues; nw.w == this waiter.
	sem           binarySemaphore // Thread waits on this semaphore.
	deadlineTimer *time.Timer     // Used for waits with deadlines.

	// If this waiter is waiting on a CV associated with a Mu, cvMu is a
	// pointer to that Mu, otherwise nil.
	cvMu *Mu

	lType       *lockType // the mode in which the Mu is held or wanted.
	removeCount uint32    // incremented each time the waiter leaves a Mu or CV queue; atomic.

	// The condition waited for by Mu.Wait(), or nil.  Waiters adjacent in
	// a Mu queue with equal conditions are linked by sameCondition.
	cond           Condition
	condComparable bool
	sameCondition  dllElem[waiter]

	// noteNW is queued on a cancellation Note while the waiter waits; it
	// shares sem.
	noteNW Waiter
}

const (
	waiterTag = 0x0590239f
	nwTag     = 0x726d2ba9
)

// Values for waiter.flags.
const (
	waiterReserved = 1 << iota // the waiter belongs to the per-P cache.
	waiterInUse    = 1 << iota // the waiter is between newWaiter() and freeWaiter().
)

// Values for Waiter.flags.
const (
	waiterFlagMuCV = 1 << iota // the Waiter is embedded in a *waiter.
)

// dllWaiter() returns the waiter containing the queue element *e, which
// must be on a Mu queue or a CV queue and belong to a Mu or CV waiter.
func dllWaiter(e *dllElem[Waiter]) *waiter {
	nw := e.elem
	if debugEnabled() && (nw.tag != nwTag || (nw.flags&waiterFlagMuCV) == 0 || nw.w == nil || nw.w.tag != waiterTag) {
		nsyncPanic("queue element is not a waiter (tag %#x, flags %#x)", nw.tag, nw.flags)
	}
	return nw.w
}

// The pool of waiters.
//
// waiterCache stands in for a per-thread slot: sync.Pool keeps a private
// entry per P, which is where a reserved waiter lives between waits.  Once
// reservedCount waiters have been reserved, further waiters come from, and
// return to, freeWaiters.  The garbage collector may drop a reserved waiter
// from waiterCache; the cleanup registered on it releases its reservation.
var waiterCache sync.Pool
var reservedCount int32 // atomic

var freeWaiters struct {
	_    cpu.CacheLinePad
	mu   uint32 // spinlock protects list
	list dllList[Waiter]
	_    cpu.CacheLinePad
}

// newWaiter() returns a pointer to an unused waiter struct.
// Ensures that the enclosed timer is stopped and its channel drained.
func newWaiter() (w *waiter) {
	w, _ = waiterCache.Get().(*waiter)
	if w == nil {
		spinTestAndSet(&freeWaiters.mu, 1, 1, 0)
		if q := freeWaiters.list.first(); q != nil { // If free list is non-empty, dequeue an item.
			freeWaiters.list.remove(q)
			w = q.elem.w
		}
		atomic.StoreUint32(&freeWaiters.mu, 0) // release store
		if w == nil {                          // If free list was empty, allocate an item.
			w = new(waiter)
			w.tag = waiterTag
			w.sem.Init()
			w.deadlineTimer = time.NewTimer(time.Duration(math.MaxInt64))
			w.deadlineTimer.Stop()
			w.nw.init(&w.sem)
			w.nw.flags = waiterFlagMuCV
			w.nw.w = w
			w.sameCondition.init(w)
			w.noteNW.init(&w.sem)
		}
		if atomic.AddInt32(&reservedCount, 1) <= int32(runtime.GOMAXPROCS(0)) {
			w.flags |= waiterReserved
			runtime.AddCleanup(w, func(struct{}) { atomic.AddInt32(&reservedCount, -1) }, struct{}{})
		} else {
			atomic.AddInt32(&reservedCount, -1)
		}
	}
	if (w.flags & waiterInUse) != 0 {
		nsyncPanic("waiter already in use")
	}
	w.flags |= waiterInUse
	return w
}

// freeWaiter() returns an unused waiter struct *w to the pool.
func freeWaiter(w *waiter) {
	if (w.flags & waiterInUse) == 0 {
		nsyncPanic("waiter freed twice")
	}
	w.flags &^= waiterInUse
	w.cvMu = nil
	w.lType = nil
	w.cond = nil
	w.condComparable = false
	if (w.flags & waiterReserved) != 0 {
		waiterCache.Put(w)
		return
	}
	spinTestAndSet(&freeWaiters.mu, 1, 1, 0)
	freeWaiters.list.makeFirst(&w.nw.q)
	atomic.StoreUint32(&freeWaiters.mu, 0) // release store
}
