// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "sync"
import "sync/atomic"
import "time"

// See also the implementation notes at the top of mu.go.

// A CV is a condition variable in the style of Mesa, Java, POSIX, and Go's sync.Cond.
// It allows a thread to wait for a condition on state protected by a mutex,
// and to proceed with the mutex held and the condition true.
//
// When compared with sync.Cond:  (a) CV adds WaitWithDeadline() which allows
// timeouts and cancellation, (b) the mutex is an explicit argument of the wait
// calls to remind the reader that they have a side-effect on the mutex, (c)
// (as a result of (b)), a zero-valued CV is a valid CV with no enqueued
// waiters, so there is no need of a call to construct a CV, and (d) a CV is a
// Waitable, so it may be waited for with WaitN() along with other objects.
//
// A CV may be used with an nsync.Mu held in either mode.  Waiters remember
// the mode, and are transferred directly to the Mu's queue when they could
// not acquire it on waking.
//
// Usage:
//
// After making the desired predicate true, call:
//     cv.Signal() // If at most one thread can make use of the predicate becoming true.
// or
//     cv.Broadcast() // If multiple threads can make use of the predicate becoming true.
//
// To wait for a predicate with no deadline (assuming cv.Broadcast() is called
// whenever the predicate becomes true):
//      mu.Lock()
//      for !some_predicate_protected_by_mu { // the for-loop is required.
//              cv.Wait(&mu)
//      }
//      // predicate is now true
//      mu.Unlock()
//
// To wait for a predicate with a deadline (assuming cv.Broadcast() is called
// whenever the predicate becomes true):
//      mu.Lock()
//      for !some_predicate_protected_by_mu && cv.WaitWithDeadline(&mu, absDeadline, cancelNote) == nsync.OK {
//      }
//      if some_predicate_protected_by_mu { // predicate is true
//      } else { // predicate is false, and deadline expired, or cancelNote was notified.
//      }
//      mu.Unlock()
// or, if the predicate is complex and you wish to write it just once and
// inline, you could use the following instead of the for-loop above:
//      mu.Lock()
//      var predIsTrue bool
//      for outcome := OK; ; outcome = cv.WaitWithDeadline(&mu, absDeadline, cancelNote) {
//              if predIsTrue = some_predicate_protected_by_mu; predIsTrue || outcome != nsync.OK {
//                      break
//              }
//      }
//      if predIsTrue { // predicate is true
//      } else { // predicate is false, and deadline expired, or cancelNote was notified.
//      }
//      mu.Unlock()
//
// As the examples show, Mesa-style condition variables require that waits use
// a loop that tests the predicate anew after each wait.  It may be surprising
// that these are preferred over the precise wakeups offered by the condition
// variables in Hoare monitors.  Imprecise wakeups make more efficient use of
// the critical section, because threads can enter it while a woken thread is
// still emerging from the scheduler, which may take thousands of cycles.
// Further, they make the programme easier to read and debug by making the
// predicate explicit locally at the wait, where the predicate is about to be
// assumed; the reader does not have to infer the predicate by examining all
// the places where wakeups may occur.
type CV struct {
	word    uint32          // see bits below; read and written atomically
	waiters dllList[Waiter] // queue of enqueued waiters; under cvSpinlock.
}

// Bits in CV.word
const (
	cvSpinlock = 1 << iota // protects waiters
	cvNonEmpty = 1 << iota // waiters list is non-empty
)

// WaitWithDeadline() atomically releases "mu" and blocks the calling thread on
// *cv.  It then waits until awakened by a call to Signal() or Broadcast() (or
// a spurious wakeup), or by the time reaching absDeadline, or by cancelNote
// being notified.  In all cases, it reacquires "mu", and returns the reason for
// the call returned (OK, Expired, or Cancelled).  Use
// absDeadline==nsync.NoDeadline for no deadline, and cancelNote==nil for no
// cancellation.  WaitWithDeadline() should be used in a loop, as with all
// Mesa-style condition variables.  See examples above.
//
// If mu is an *nsync.Mu, or the RLocker() of one, it may be held in either
// mode; it is reacquired in the same mode.
//
// There are two reasons for using an absolute deadline, rather than a relative
// timeout---these are why pthread_cond_timedwait() also uses an absolute
// deadline.  First, condition variable waits have to be used in a loop; with
// an absolute times, the deadline does not have to be recomputed on each
// iteration.  Second, in most real programmes, some activity (such as an RPC
// to a server, or when guaranteeing response time in a UI), there is a
// deadline imposed by the protocol or the caller/user; relative delays
// can shift arbitrarily with scheduling delays, and so after multiple waits
// might extend beyond the expected deadline.  Relative delays tend to be more
// convenient mostly in tests and trivial examples than they are in real
// programmes.
func (cv *CV) WaitWithDeadline(mu sync.Locker, absDeadline time.Time, cancelNote *Note) (outcome int) {
	var cvMu *Mu
	switch m := mu.(type) {
	case *Mu:
		cvMu = m
	case *rlocker:
		cvMu = (*Mu)(m)
	}
	var lType *lockType
	if cvMu != nil {
		lType = cvMu.heldType("CV.WaitWithDeadline()")
	}
	isReaderMu := lType == readerType

	var w *waiter = newWaiter()
	atomic.StoreUint32(&w.nw.waiting, 1)
	w.cond = nil  // not a conditional critical section.
	w.cvMu = cvMu // If the Locker is an nsync.Mu, record its address, else record nil.
	w.lType = lType

	oldWord := spinTestAndSet(&cv.word, cvSpinlock, cvSpinlock|cvNonEmpty, 0) // acquire spinlock, set non-empty
	cv.waiters.makeLast(&w.nw.q)
	removeCount := atomic.LoadUint32(&w.removeCount)
	// Release the spin lock.
	atomic.StoreUint32(&cv.word, oldWord|cvNonEmpty) // release store

	// Release *mu.
	if isReaderMu {
		cvMu.RUnlock()
	} else {
		mu.Unlock()
	}

	// Wait until awoken or a timeout.
	semOutcome := OK
	var attempts uint
	for atomic.LoadUint32(&w.nw.waiting) != 0 { // acquire load
		if semOutcome == OK {
			semOutcome = semWaitWithCancel(w, absDeadline, cancelNote)
		}
		if semOutcome != OK && atomic.LoadUint32(&w.nw.waiting) != 0 { // acquire load
			// A timeout or cancellation occurred, and no wakeup.  Acquire the spinlock, and confirm.
			oldWord = spinTestAndSet(&cv.word, cvSpinlock, cvSpinlock, 0)
			// Check that w wasn't removed from the queue after we
			// checked above, but before we acquired the spinlock.
			// The test of removeCount confirms that the waiter *w is still governed
			// by *cv's spinlock; otherwise, some other thread is about to set w.nw.waiting==0.
			if atomic.LoadUint32(&w.nw.waiting) != 0 && removeCount == atomic.LoadUint32(&w.removeCount) { // still in waiter queue
				// Not woken, so remove ourselves from queue, and declare a timeout or cancellation.
				outcome = semOutcome
				cv.waiters.remove(&w.nw.q)
				atomic.AddUint32(&w.removeCount, 1)
				if cv.waiters.isEmpty() {
					oldWord &^= cvNonEmpty
				}
				atomic.StoreUint32(&w.nw.waiting, 0) // release store
			}
			// Release spinlock.
			atomic.StoreUint32(&cv.word, oldWord) // release store
		}
		if atomic.LoadUint32(&w.nw.waiting) != 0 {
			attempts = spinDelay(attempts) // so we will ultimately yield to scheduler.
		}
	}

	if cvMu != nil && w.cvMu == nil { // waiter was transferred to mu's queue, and woken.
		// Requeue mu using existing waiter struct; current thread is the designated waker.
		cvMu.lockSlow(w, muDesigWaker, w.lType)
		freeWaiter(w)
	} else {
		// Traditional case: We've woken from the CV, and need to reacquire mu.
		freeWaiter(w)
		if isReaderMu {
			cvMu.RLock()
		} else {
			mu.Lock()
		}
	}
	return outcome
}

// Signal() wakes at least one thread currently enqueued on *cv.  If the first
// waiter holds its Mu in read mode, all waiting readers are woken, along with
// at most one writer.
func (cv *CV) Signal() {
	if (atomic.LoadUint32(&cv.word) & cvNonEmpty) != 0 { // acquire load
		var toWake dllList[Waiter] // waiters that we will wake
		allReaders := false
		oldWord := spinTestAndSet(&cv.word, cvSpinlock, cvSpinlock, 0) // acquire spinlock
		if first := cv.waiters.first(); first != nil {
			// Take the first waiter that enqueued itself.
			cv.removeWaiter(first)
			toWake.makeLast(first)
			if isReaderWaiter(first) {
				// Readers will not invalidate the condition that
				// motivated the Signal(), so wake them all, and one
				// writer, which might.
				allReaders = true
				wokeWriter := false
				var next *dllElem[Waiter]
				for p := cv.waiters.first(); p != nil; p = next {
					next = cv.waiters.next(p)
					shouldWake := false
					if isReaderWaiter(p) {
						shouldWake = true
					} else if !wokeWriter {
						wokeWriter = true
						allReaders = false
						shouldWake = true
					}
					if shouldWake {
						cv.removeWaiter(p)
						toWake.makeLast(p)
					}
				}
			}
			if cv.waiters.isEmpty() {
				oldWord &^= cvNonEmpty
			}
		}
		// Release spinlock.
		atomic.StoreUint32(&cv.word, oldWord) // release store
		if !toWake.isEmpty() {
			wakeWaiters(toWake, allReaders)
		}
	}
}

// Broadcast() wakes all threads currently enqueued on *cv.
func (cv *CV) Broadcast() {
	if (atomic.LoadUint32(&cv.word) & cvNonEmpty) != 0 { // acquire load
		var toWake dllList[Waiter]                          // waiters that we will wake
		spinTestAndSet(&cv.word, cvSpinlock, cvSpinlock, 0) // acquire spinlock
		allReaders := true
		for p := cv.waiters.first(); p != nil; p = cv.waiters.first() {
			allReaders = allReaders && isReaderWaiter(p)
			cv.removeWaiter(p)
			toWake.makeLast(p)
		}
		// Release spinlock and mark queue empty.
		atomic.StoreUint32(&cv.word, 0) // release store
		if !toWake.isEmpty() {
			wakeWaiters(toWake, allReaders)
		}
	}
}

// Wait() atomically releases "mu" and blocks the caller on *cv.  It waits
// until it is awakened by a call to Signal() or Broadcast(), or a spurious
// wakeup.  It then reacquires "mu", and returns.  It is equivalent to a call
// to WaitWithDeadline() with absDeadline==NoDeadline, and a nil cancelNote.
// It should be used in a loop, as with all standard Mesa-style condition
// variables.  See examples above.
func (cv *CV) Wait(mu sync.Locker) {
	cv.WaitWithDeadline(mu, NoDeadline, nil)
}

// removeWaiter() removes *p from the queue of *cv, and notes the removal in
// the waiter's removeCount if it is a Mu/CV waiter.  Requires the spinlock.
func (cv *CV) removeWaiter(p *dllElem[Waiter]) {
	cv.waiters.remove(p)
	if (p.elem.flags & waiterFlagMuCV) != 0 {
		atomic.AddUint32(&dllWaiter(p).removeCount, 1)
	}
}

// isReaderWaiter() returns whether *p belongs to a thread waiting with an
// nsync.Mu held in read mode.
func isReaderWaiter(p *dllElem[Waiter]) bool {
	return (p.elem.flags&waiterFlagMuCV) != 0 && dllWaiter(p).lType == readerType
}

// ------------------------------------------

// ReadyTime() is part of the Waitable interface.  A CV is ready for nw once
// nw has been woken.
func (cv *CV) ReadyTime(nw *Waiter) time.Time {
	if nw == nil || nw.Waiting() {
		return NoDeadline
	}
	return zeroTime
}

// Enqueue() is part of the Waitable interface.
func (cv *CV) Enqueue(nw *Waiter) time.Time {
	oldWord := spinTestAndSet(&cv.word, cvSpinlock, cvSpinlock, 0) // acquire spinlock
	cv.waiters.makeLast(&nw.q)
	atomic.StoreUint32(&nw.waiting, 1)
	// Release spinlock.
	atomic.StoreUint32(&cv.word, oldWord|cvNonEmpty) // release store
	return NoDeadline
}

// Dequeue() is part of the Waitable interface.
func (cv *CV) Dequeue(nw *Waiter) time.Time {
	res := zeroTime
	oldWord := spinTestAndSet(&cv.word, cvSpinlock, cvSpinlock, 0) // acquire spinlock
	if atomic.LoadUint32(&nw.waiting) != 0 {
		cv.waiters.remove(&nw.q)
		atomic.StoreUint32(&nw.waiting, 0)
		res = NoDeadline
	}
	if cv.waiters.isEmpty() {
		oldWord &^= cvNonEmpty
	}
	// Release spinlock.
	atomic.StoreUint32(&cv.word, oldWord) // release store
	return res
}

// ------------------------------------------

// wakeWaiters() wakes the CV waiters in toWake, which may not be empty.  If
// the waiters are associated with an nsync.Mu (as opposed to another
// implementation of sync.Locker), the "wakeup" may consist of transferring
// the waiters to the nsync.Mu's queue.  allReaders is true iff every waiter
// holds that Mu in read mode.  Requires that every waiter associated with an
// nsync.Mu be associated with the same one.
func wakeWaiters(toWake dllList[Waiter], allReaders bool) {
	firstWaiter := toWake.first()
	var firstW *waiter
	var mu *Mu
	if (firstWaiter.elem.flags & waiterFlagMuCV) != 0 {
		firstW = dllWaiter(firstWaiter)
		mu = firstW.cvMu
	}
	if mu != nil { // waiter is associated with the nsync.Mu *mu.
		// We will transfer elements of toWake to *mu if all of:
		//  - some thread holds *mu, and
		//  - mu's spinlock is not held, and
		//  - either *mu cannot be acquired in the mode of the first
		//    waiter, or there's more than one thread on toWake and
		//    not all are readers, and
		//  - we acquire the spinlock on the first try.
		// The spinlock acquisition also marks mu as having waiters.
		// Requiring that some thread holds *mu ensures that at least
		// one of the transferred waiters will be woken.
		oldMuWord := atomic.LoadUint32(&mu.word)
		firstCantAcquire := (oldMuWord & firstW.lType.zeroToAcquire) != 0
		next := toWake.next(firstWaiter)
		if (oldMuWord&muAnyLock) != 0 &&
			(oldMuWord&muSpinlock) == 0 &&
			(firstCantAcquire || (next != nil && !allReaders)) &&
			atomic.CompareAndSwapUint32(&mu.word, oldMuWord, (oldMuWord|muSpinlock|muWaiting)&^muAllFalse) { // acquire CAS

			var setOnRelease uint32
			firstIsWriter := firstW.lType == writerType
			transferredAWriter := false
			wokeAReader := false

			// Transfer the first waiter iff it can't acquire *mu.
			if firstCantAcquire {
				toWake.remove(firstWaiter)
				mu.waiters.makeLast(firstWaiter)
				// tell WaitWithDeadline() that we moved the waiter to *mu's queue.
				// firstW.nw.waiting is already 1, from being on CV's waiter queue.
				firstW.cvMu = nil
				transferredAWriter = firstIsWriter
			} else {
				wokeAReader = !firstIsWriter
			}

			// Transfer each other waiter if the first waiter can't
			// acquire *mu, the first waiter is a writer, or it is a
			// writer.  Waiters using other Lockers are woken.
			for p := next; p != nil; p = next {
				next = toWake.next(p)
				if (p.elem.flags & waiterFlagMuCV) == 0 {
					continue
				}
				pw := dllWaiter(p)
				if pw.cvMu == nil {
					continue
				}
				if pw.cvMu != mu {
					nsyncPanic("multiple mutexes used with condition variable")
				}
				pIsWriter := pw.lType == writerType
				if firstCantAcquire || firstIsWriter || pIsWriter {
					toWake.remove(p)
					mu.waiters.makeLast(p)
					pw.cvMu = nil
					transferredAWriter = transferredAWriter || pIsWriter
				} else {
					wokeAReader = wokeAReader || !pIsWriter
				}
			}

			// Claim a waiting writer if we transferred one, unless we
			// are waking readers.
			if transferredAWriter && !wokeAReader {
				setOnRelease |= muWriterWaiting
			}

			// release *mu's spinlock  (muWaiting was set by CAS above)
			oldMuWord = atomic.LoadUint32(&mu.word)
			for !atomic.CompareAndSwapUint32(&mu.word, oldMuWord, (oldMuWord|setOnRelease)&^muSpinlock) { // release CAS
				oldMuWord = atomic.LoadUint32(&mu.word)
			}
		}
	}

	// Wake any waiters we didn't manage to enqueue on the Mu.
	for p := toWake.first(); p != nil; p = toWake.first() {
		toWake.remove(p)
		p.elem.Wake()
	}
}
