// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The nsync package provides a reader-writer mutex Mu, a Mesa-style condition
// variable CV, and the Note, Counter and Once primitives built on them.
//
// The nsync primitives differ from those in sync in that nsync provides
// timed/cancellable waits; Mu.Wait() lets a thread wait for an arbitrary
// condition over state protected by a Mu without any explicit wakeup call;
// WaitN() waits for the first of several heterogeneous objects to become
// ready; CV's wait primitives take the mutex as an explicit argument to remind
// the reader that they have a side effect on the mutex; the zero value CV and
// Mu can be used without further initialization; and Mu forbids a lock
// acquired by one thread to be released by another.
//
// As well as Mu and CV being usable with one another, an nsync.Mu can be used
// with a sync.Cond, and an nsync.CV can be used with a sync.Mutex.
package nsync

import "sync"
import "sync/atomic"

import "v.io/x/sync/vlog"

// Implementation notes
//
// The implementation of Mu and CV both use spinlocks to protect their waiter
// queues.  The spinlocks are implemented with atomic operations and a delay
// loop found in common.go.  The spinlock of a Mu is a bit in the same word as
// the lock itself; it protects only the queue, never the decision to acquire
// or release the lock, which is always a CAS on the whole word.
//
// Mu and CV use the same type of doubly-linked list of waiters (see dll.go
// and waiter.go).  This allows waiters to be transferred from the CV queue to
// the Mu queue when a thread is logically woken from the CV but would
// immediately go to sleep on the Mu.  See the wakeWaiters() call in cv.go.
//
// In Mu, the "designated waker" is a thread that was waiting on Mu, has been
// woken up, but as yet has neither acquired nor gone back to waiting.  The
// presence of such a thread is indicated by the muDesigWaker bit in the Mu
// word.  This bit allows the Unlock() code to avoid waking a second waiter
// when there's already one will wake the next thread when the time comes.
// This speeds things up when the lock is heavily contended, and the critical
// sections are small.
//
// A waiter in Mu.Wait() carries a Condition.  When some waiter has a
// condition, muCondition is set, and an unlocking thread keeps the lock in
// write mode while it evaluates conditions, so that they see a stable view of
// the protected state.  Adjacent waiters with equal conditions are linked via
// waiter.sameCondition so that each distinct condition is evaluated once per
// scan.  When a scan finds every condition false, muAllFalse is set, and the
// next unlock of a reader that did not change anything skips the scan; any
// release by a writer clears it.
//
// A waiter that has been woken without acquiring the lock longWaitThreshold()
// times sets muLongWait, which stops new arrivals from barging ahead of it.
// This is the only mechanism against starvation.  Readers are also refused
// while muWriterWaiting is set, so that a stream of readers cannot starve a
// writer.
//
// The weasel words "with high probability" in the documentation of TryLock()
// prevent clients from believing that they can determine with certainty
// whether another thread has given up a lock yet.  This, together with the
// requirement that a thread that acquired a mutex must release it (rather than
// it being released by another thread), prohibits clients from using Mu as a
// sort of semaphore.  The intent is that it be used only for traditional
// mutual exclusion.
//
// The condition variable and Mu.WaitWithDeadline() use an internal binary
// semaphore that is passed a *time.Timer stored in a *waiter for its
// expirations.  It is an invariant that the timer is inactive and its channel
// drained when the waiter is returned to the pool.

// A Mu is a reader-writer mutex.  Its zero value is valid, and unlocked.
// It is similar to sync.RWMutex, but implements TryLock(), RTryLock() and
// Wait().
//
// A Mu can be "free", held by a single thread (aka goroutine) in write mode,
// or held by any number of threads in read mode.  A thread that acquires it
// should eventually release it.  It is not legal to acquire a Mu in one
// thread and release it in another.
//
// Example usage, where p.mu is an nsync.Mu protecting the invariant p.a+p.b==0
//      p.mu.Lock()
//      // The current thread now has exclusive access to p.a and p.b; invariant assumed true.
//      p.a++
//      p.b-- // restore invariant p.a+p.b==0 before releasing p.mu
//      p.mu.Unlock()
type Mu struct {
	word    uint32          // bits:  see below
	waiters dllList[Waiter] // queue of waiters; under the spinlock.
}

// Bits in Mu.word
const (
	muWLock         = 1 << iota // held in write mode.
	muSpinlock      = 1 << iota // spinlock is held (protects waiters).
	muWaiting       = 1 << iota // waiter list is non-empty.
	muDesigWaker    = 1 << iota // a former waiter has been woken, and has not yet acquired or slept once more.
	muCondition     = 1 << iota // the queue may contain a waiter with a condition.
	muWriterWaiting = 1 << iota // a writer is waiting, so readers should not acquire.
	muLongWait      = 1 << iota // a waiter has waited a long time; newcomers should not barge.
	muAllFalse      = 1 << iota // all waiter conditions were false at the last scan.
	muRLock         = 1 << iota // low-order bit of the reader count, which uses the rest of the word.
)

const (
	muRLockField = ^uint32(muRLock - 1)  // the reader count.
	muAnyLock    = muWLock | muRLockField // held in some mode.
	muWHeld      = muWLock                // non-zero <=> held in write mode.
	muRHeld      = muRLockField           // non-zero <=> held in read mode.
)

// A lockType describes how a Mu is acquired and released in one mode.
type lockType struct {
	zeroToAcquire             uint32 // bits that must be zero to acquire.
	addToAcquire              uint32 // added to the word to acquire.
	heldIfNonZero             uint32 // if any of these bits are set, the lock is held in this mode.
	setWhenWaiting            uint32 // set when the thread queues.
	clearOnAcquire            uint32 // cleared when the thread acquires.
	clearOnUncontendedRelease uint32 // cleared on a release that wakes no one.
}

var writerType = &lockType{
	zeroToAcquire:             muAnyLock | muLongWait,
	addToAcquire:              muWLock,
	heldIfNonZero:             muWHeld,
	setWhenWaiting:            muWaiting | muWriterWaiting,
	clearOnAcquire:            muWriterWaiting,
	clearOnUncontendedRelease: muAllFalse,
}

var readerType = &lockType{
	zeroToAcquire:             muWLock | muWriterWaiting | muLongWait,
	addToAcquire:              muRLock,
	heldIfNonZero:             muRHeld,
	setWhenWaiting:            muWaiting,
	clearOnAcquire:            0,
	clearOnUncontendedRelease: 0,
}

// TryLock() attempts to acquire *mu in write mode without blocking, and
// returns whether it is successful.  It returns true with high probability if
// *mu was free on entry.
func (mu *Mu) TryLock() bool {
	if atomic.CompareAndSwapUint32(&mu.word, 0, muWLock) { // acquire CAS
		return true
	}
	oldWord := atomic.LoadUint32(&mu.word)
	return (oldWord&writerType.zeroToAcquire) == 0 &&
		atomic.CompareAndSwapUint32(&mu.word, oldWord, (oldWord+muWLock)&^writerType.clearOnAcquire) // acquire CAS
}

// Lock() blocks until *mu is free and then acquires it in write mode.
func (mu *Mu) Lock() {
	if !atomic.CompareAndSwapUint32(&mu.word, 0, muWLock) { // acquire CAS
		oldWord := atomic.LoadUint32(&mu.word)
		if (oldWord&writerType.zeroToAcquire) != 0 ||
			!atomic.CompareAndSwapUint32(&mu.word, oldWord, (oldWord+muWLock)&^writerType.clearOnAcquire) { // acquire CAS
			w := newWaiter()
			mu.lockSlow(w, 0, writerType)
			freeWaiter(w)
		}
	}
}

// RTryLock() attempts to acquire *mu in read mode without blocking, and
// returns whether it is successful.  It returns true with high probability if
// *mu was free on entry.  It may fail even when other threads hold *mu in
// read mode, if a writer is waiting.
func (mu *Mu) RTryLock() bool {
	if atomic.CompareAndSwapUint32(&mu.word, 0, muRLock) { // acquire CAS
		return true
	}
	oldWord := atomic.LoadUint32(&mu.word)
	return (oldWord&readerType.zeroToAcquire) == 0 &&
		atomic.CompareAndSwapUint32(&mu.word, oldWord, oldWord+muRLock) // acquire CAS
}

// RLock() blocks until *mu can be acquired in read mode, and then acquires
// it.
func (mu *Mu) RLock() {
	if !atomic.CompareAndSwapUint32(&mu.word, 0, muRLock) { // acquire CAS
		oldWord := atomic.LoadUint32(&mu.word)
		if (oldWord&readerType.zeroToAcquire) != 0 ||
			!atomic.CompareAndSwapUint32(&mu.word, oldWord, oldWord+muRLock) { // acquire CAS
			w := newWaiter()
			mu.lockSlow(w, 0, readerType)
			freeWaiter(w)
		}
	}
}

// releaseSpinlock() clears muSpinlock.  It cannot use a store, because the
// current thread may not hold *mu, and the holder may be concurrently
// unlocking.
func (mu *Mu) releaseSpinlock() {
	oldWord := atomic.LoadUint32(&mu.word)
	for !atomic.CompareAndSwapUint32(&mu.word, oldWord, oldWord&^muSpinlock) { // release CAS
		oldWord = atomic.LoadUint32(&mu.word)
	}
}

// lockSlow() locks *mu in the mode given by lType, waiting on *w if it needs
// to wait.  "clear" should be zero if the thread has not previously slept on
// *mu, and muDesigWaker if it has; this represents bits that lockSlow() must
// clear when it either acquires or sleeps on *mu.  The caller retains *w.
func (mu *Mu) lockSlow(w *waiter, clear uint32, lType *lockType) {
	var attempts uint    // attempt count; used for spinloop backoff
	var waitCount uint32 // number of times this thread has slept on *mu
	var longWait uint32  // muLongWait once waitCount reaches the threshold
	zeroToAcquire := lType.zeroToAcquire

	// A thread that has already waited is not bound by the fairness bits;
	// it has paid that cost.
	if clear != 0 {
		zeroToAcquire &^= muWriterWaiting | muLongWait
	}
	w.cvMu = nil // not a CV wait
	w.cond = nil
	w.condComparable = false
	w.lType = lType
	for {
		oldWord := atomic.LoadUint32(&mu.word)
		if (oldWord & zeroToAcquire) == 0 {
			// lock can be acquired; try to acquire, possibly clearing
			// muDesigWaker and muLongWait.
			if atomic.CompareAndSwapUint32(&mu.word, oldWord,
				(oldWord+lType.addToAcquire)&^(clear|longWait|lType.clearOnAcquire)) { // acquire CAS
				return
			}
		} else if (oldWord&muSpinlock) == 0 &&
			atomic.CompareAndSwapUint32(&mu.word, oldWord,
				(oldWord|muSpinlock|longWait|lType.setWhenWaiting)&^(clear|muAllFalse)) { // acquire CAS

			// Spinlock is now held, and lock is held by someone
			// else; muWaiting has also been set; queue ourselves.
			// A thread that has been woken before goes to the front,
			// so that it is not overtaken repeatedly.
			atomic.StoreUint32(&w.nw.waiting, 1)
			if waitCount == 0 {
				mu.waiters.makeLast(&w.nw.q)
			} else {
				mu.waiters.makeFirst(&w.nw.q)
			}
			mu.releaseSpinlock()

			// Wait until awoken.
			for atomic.LoadUint32(&w.nw.waiting) != 0 { // acquire load
				w.sem.P()
			}

			waitCount++
			if longWait == 0 && waitCount >= longWaitThreshold() {
				longWait = muLongWait
				if debugEnabled() {
					vlog.VI(1).Infof("nsync: Mu %p: waiter woken %d times without acquiring; setting long wait", mu, waitCount)
				}
			}
			attempts = 0
			clear = muDesigWaker
			zeroToAcquire &^= muWriterWaiting | muLongWait
		}
		attempts = spinDelay(attempts)
	}
}

// Unlock() unlocks *mu, which must be held in write mode, and wakes waiters
// if appropriate.
func (mu *Mu) Unlock() {
	// A single writer with no other bits set can release with one CAS.
	if !atomic.CompareAndSwapUint32(&mu.word, muWLock, 0) { // release CAS
		oldWord := atomic.LoadUint32(&mu.word)
		newWord := (oldWord - muWLock) &^ muAllFalse
		if (newWord & (muRLockField | muWLock)) != 0 {
			if (oldWord & muRLockField) != 0 {
				nsyncPanic("attempt to Unlock an nsync.Mu held in read mode")
			} else {
				nsyncPanic("attempt to Unlock an nsync.Mu not held in write mode")
			}
		} else if (oldWord&(muWaiting|muDesigWaker)) == muWaiting ||
			!atomic.CompareAndSwapUint32(&mu.word, oldWord, newWord) { // release CAS
			mu.unlockSlow(writerType)
		}
	}
}

// RUnlock() releases a read-mode hold on *mu, and wakes waiters if
// appropriate.
func (mu *Mu) RUnlock() {
	if !atomic.CompareAndSwapUint32(&mu.word, muRLock, 0) { // release CAS
		oldWord := atomic.LoadUint32(&mu.word)
		if (oldWord & muWLock) != 0 {
			nsyncPanic("attempt to RUnlock an nsync.Mu held in write mode")
		} else if (oldWord & muRLockField) == 0 {
			nsyncPanic("attempt to RUnlock an nsync.Mu not held in read mode")
		} else if (oldWord&(muWaiting|muDesigWaker)) == muWaiting &&
			(oldWord&(muRLockField|muAllFalse)) == muRLock {
			// Last reader, with waiters whose conditions may now be true.
			mu.unlockSlow(readerType)
		} else if !atomic.CompareAndSwapUint32(&mu.word, oldWord, oldWord-muRLock) { // release CAS
			mu.unlockSlow(readerType)
		}
	}
}

// AssertHeld() panics if *mu is not held in write mode.
func (mu *Mu) AssertHeld() {
	if (atomic.LoadUint32(&mu.word) & muWHeld) == 0 {
		nsyncPanic("nsync.Mu not held in write mode")
	}
}

// RAssertHeld() panics if *mu is not held in some mode.
func (mu *Mu) RAssertHeld() {
	if (atomic.LoadUint32(&mu.word) & muAnyLock) == 0 {
		nsyncPanic("nsync.Mu not held in some mode")
	}
}

// IsReader() returns whether *mu is held in read mode.  Requires that the
// calling thread holds *mu in some mode.
func (mu *Mu) IsReader() bool {
	word := atomic.LoadUint32(&mu.word)
	if (word & (muWHeld | muRHeld)) == 0 {
		nsyncPanic("nsync.Mu not held in some mode")
	}
	return (word & muWLock) == 0
}

// heldType() returns the lockType in which *mu is held, and panics if it is
// not held.  Requires that the calling thread holds *mu.
func (mu *Mu) heldType(op string) *lockType {
	word := atomic.LoadUint32(&mu.word)
	isWriter := (word & muWHeld) != 0
	isReader := (word & muRHeld) != 0
	if isWriter && isReader {
		nsyncPanic("nsync.Mu held in read and write mode simultaneously on entry to %s", op)
	}
	if isWriter {
		return writerType
	}
	if !isReader {
		nsyncPanic("nsync.Mu not held on entry to %s", op)
	}
	return readerType
}

type rlocker Mu

func (r *rlocker) Lock()   { (*Mu)(r).RLock() }
func (r *rlocker) Unlock() { (*Mu)(r).RUnlock() }

// RLocker() returns a sync.Locker whose Lock and Unlock methods acquire and
// release *mu in read mode.  A CV used with it transfers waiters to *mu in
// read mode.
func (mu *Mu) RLocker() sync.Locker {
	return (*rlocker)(mu)
}

// ------------------------------------------

// unlockSlow() is the slow path of Unlock() and RUnlock(), called when there
// may be threads to wake.  lType is the mode in which the calling thread
// holds *mu.
func (mu *Mu) unlockSlow(lType *lockType) {
	var attempts uint // attempt count; used for backoff
	for {
		oldWord := atomic.LoadUint32(&mu.word)
		testingConditions := (oldWord & muCondition) != 0
		earlyReleaseMu := lType.addToAcquire
		var lateReleaseMu uint32
		if testingConditions {
			// Convert to a writer lock, and release later.  A reader
			// gives up its read hold and keeps write mode.
			earlyReleaseMu = lType.addToAcquire - muWLock
			lateReleaseMu = muWLock
		}
		if (oldWord&muWaiting) == 0 || (oldWord&muDesigWaker) != 0 ||
			(oldWord&muRLockField) > muRLock ||
			(oldWord&(muRLock|muAllFalse)) == (muRLock|muAllFalse) {
			// No one to wake, there's a designated waker waking
			// up, there are still readers, or it's a reader and
			// all waiters have false conditions.  Just release.
			if atomic.CompareAndSwapUint32(&mu.word, oldWord,
				(oldWord-lType.addToAcquire)&^lType.clearOnUncontendedRelease) { // release CAS
				return
			}
		} else if (oldWord&muSpinlock) == 0 &&
			atomic.CompareAndSwapUint32(&mu.word, oldWord,
				(oldWord-earlyReleaseMu)|muSpinlock|muDesigWaker) { // acquire CAS
			// The spinlock is now held, and we've set the
			// designated wake flag, since we're likely to wake a
			// thread that will become that designated waker.  If
			// there are conditions to check, the mutex itself is
			// still held.
			var wake dllList[Waiter]    // waiters we will wake
			var wakeType *lockType      // type of the first waiter in wake, or nil
			var waiters dllList[Waiter] // waiters already examined
			clearOnRelease := uint32(muSpinlock)
			setOnRelease := uint32(muAllFalse)

			// Take the queue, so that new arrivals can be
			// distinguished from waiters already examined.
			newWaiters := mu.waiters.take()

			for !newWaiters.isEmpty() {
				p := newWaiters.first()
				if testingConditions {
					// Conditions need not be tested if
					// we will wake a writer anyway.
					if wakeType == writerType {
						testingConditions = false
					} else if wakeType == nil {
						pw := dllWaiter(p)
						if pw.lType != readerType && pw.cond == nil {
							testingConditions = false
						}
					}
				}
				if testingConditions {
					// Release the spinlock while testing
					// conditions; *mu is held in write mode.
					mu.releaseSpinlock()
				}

				// Try to find a thread to wake.
				for p != nil && wakeType != writerType {
					pw := dllWaiter(p)
					next := newWaiters.next(p)
					pHasCondition := pw.cond != nil
					if pHasCondition && !testingConditions {
						nsyncPanic("checking a waiter condition while unlocked")
					}
					if pHasCondition && !pw.cond.Eval() {
						// Condition is false; skip all
						// waiters with the same condition.
						next = skipPastSameCondition(&newWaiters, p)
					} else if wakeType == nil || pw.lType == readerType {
						// Wake the thread, which is a reader
						// or the first writer.
						removeFromMuQueue(&newWaiters, p)
						wake.makeLast(p)
						wakeType = pw.lType
					} else {
						// A writer that will not be woken.
						setOnRelease |= muWriterWaiting
						setOnRelease &^= muAllFalse
					}
					p = next
				}

				if p != nil {
					// Didn't search to the end of the list,
					// so can't be sure all conditions are false.
					setOnRelease &^= muAllFalse
				}

				if testingConditions {
					spinTestAndSet(&mu.word, muSpinlock, muSpinlock, 0)
				}

				// Add the waiters just examined to waiters, and
				// pick up any that arrived meanwhile.
				maybeMergeConditions(waiters.last, newWaiters.first())
				waiters.makeLast(newWaiters.last)
				newWaiters = mu.waiters.take()
			}

			// Return the examined waiters to *mu.
			mu.waiters = waiters

			if wake.isEmpty() {
				// Not waking anyone, so no designated waker.
				clearOnRelease |= muDesigWaker
			}
			if (setOnRelease & muAllFalse) == 0 {
				clearOnRelease |= muAllFalse
			}
			if mu.waiters.isEmpty() {
				clearOnRelease |= muWaiting | muWriterWaiting | muCondition | muAllFalse
			}

			// Release the spinlock, and possibly the lock if it was
			// retained for testing conditions.  Cannot use a store
			// here, because other threads may be trying to queue.
			oldWord = atomic.LoadUint32(&mu.word)
			for !atomic.CompareAndSwapUint32(&mu.word, oldWord,
				((oldWord-lateReleaseMu)|setOnRelease)&^clearOnRelease) { // release CAS
				oldWord = atomic.LoadUint32(&mu.word)
			}

			// Wake the waiters, after the word has been updated.
			for p := wake.first(); p != nil; p = wake.first() {
				wake.remove(p)
				p.elem.Wake()
			}
			return
		}
		attempts = spinDelay(attempts)
	}
}

// removeFromMuQueue() removes *e from the Mu queue *muQueue, keeping the
// same-condition rings consistent.  Requires the spinlock of the Mu, or that
// *muQueue is private to the caller.
func removeFromMuQueue(muQueue *dllList[Waiter], e *dllElem[Waiter]) {
	prev := e.prev
	next := e.next
	muQueue.remove(e)
	w := dllWaiter(e)
	atomic.AddUint32(&w.removeCount, 1)
	if !muQueue.isEmpty() {
		same := &w.sameCondition
		if !same.isSingleton() {
			// *e was in a same-condition group; just leave it.
			same.next.prev = same.prev
			same.prev.next = same.next
			same.next = same
			same.prev = same
		} else if prev != muQueue.last {
			// *e was between two elements that may now be adjacent
			// with equal conditions.
			maybeMergeConditions(prev, next)
		}
	}
}

// skipPastSameCondition() returns the element of *l after the last
// element whose condition equals that of *p, or nil if there is none.
// Requires that *p is the first of its group, or that the group is small.
func skipPastSameCondition(l *dllList[Waiter], p *dllElem[Waiter]) *dllElem[Waiter] {
	lastWithSameCondition := &dllWaiter(p).sameCondition.prev.elem.nw.q
	if lastWithSameCondition != p && lastWithSameCondition != l.prev(p) {
		// *p is first in its group; skip the whole group.
		return l.next(lastWithSameCondition)
	}
	return l.next(p)
}

// conditionsEqual() returns whether waiters *a and *b wait for the same
// condition, in which case it suffices to evaluate one of them.
func conditionsEqual(a *waiter, b *waiter) bool {
	return a.cond != nil && b.cond != nil && a.condComparable && b.condComparable && a.cond == b.cond
}

// maybeMergeConditions() joins the same-condition rings of the adjacent queue
// elements *p and *n if their conditions are equal.  Either may be nil.
func maybeMergeConditions(p *dllElem[Waiter], n *dllElem[Waiter]) {
	if p != nil && n != nil {
		pw := dllWaiter(p)
		nw := dllWaiter(n)
		if conditionsEqual(pw, nw) {
			pw.sameCondition.splice(&nw.sameCondition)
		}
	}
}
