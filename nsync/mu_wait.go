// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "reflect"
import "sync/atomic"
import "time"

// A Condition is a predicate over state protected by a Mu, for use with
// Mu.Wait() and Mu.WaitWithDeadline().
//
// Eval() may be called by any thread that holds the Mu, in either mode, not
// only by the waiting thread.  It must read only state protected by the Mu,
// and must not modify anything.  Time and cancellation are expressed with the
// deadline and Note arguments of Mu.WaitWithDeadline(), not in conditions.
//
// Waiters whose conditions are comparable and equal (with ==) are grouped,
// and the condition is evaluated once for the whole group.  A struct holding
// a pointer to the protected data is a good Condition: threads waiting for
// the same thing then share an evaluation.
type Condition interface {
	Eval() bool
}

// A ConditionFunc is a Condition that calls the function.  Functions are not
// comparable, so waiters using ConditionFunc values are never grouped.
type ConditionFunc func() bool

// Eval() returns f().
func (f ConditionFunc) Eval() bool {
	return f()
}

// isComparable() returns whether c may be compared with == without
// panicking.  The dynamic contents matter: a struct whose interface field
// holds a func is of a comparable type, but is not itself comparable.
func isComparable(c Condition) bool {
	return reflect.ValueOf(c).Comparable()
}

// Wait() atomically releases *mu and blocks until cond.Eval() is true, then
// reacquires *mu in the mode in which it was held on entry, and returns.
// It requires that the caller hold *mu.
//
// Unlike with a CV, no thread need call Signal() or Broadcast(): cond is
// evaluated when *mu is released by the threads that may have made it true.
// Example, where p.mu protects p.count:
//      p.mu.Lock()
//      p.mu.Wait(nonZero{p}) // where nonZero{p}.Eval() returns p.count != 0
//      p.count--
//      p.mu.Unlock()
func (mu *Mu) Wait(cond Condition) {
	mu.WaitWithDeadline(cond, NoDeadline, nil)
}

// WaitWithDeadline() atomically releases *mu and blocks until cond.Eval() is
// true, absDeadline passes, or cancelNote is notified.  In all cases it
// reacquires *mu in the mode in which it was held on entry, and returns OK if
// cond.Eval() is true, or otherwise Expired or Cancelled.  Use
// absDeadline==nsync.NoDeadline for no deadline, and cancelNote==nil for no
// cancellation.  A nil cond is treated as always true.
//
// A true condition takes precedence over expiry and cancellation.
func (mu *Mu) WaitWithDeadline(cond Condition, absDeadline time.Time, cancelNote *Note) (outcome int) {
	lType := mu.heldType("Mu.WaitWithDeadline()")
	var hasCondition uint32
	comparable := false
	if cond != nil {
		hasCondition = muCondition
		comparable = isComparable(cond)
	}

	firstWait := true
	conditionIsTrue := cond == nil || cond.Eval()

	// Loop until either the condition becomes true, or outcome indicates
	// cancellation or expiry.
	var w *waiter
	for outcome == OK && !conditionIsTrue {
		if w == nil {
			w = newWaiter()
		}

		// Prepare to wait.
		w.cvMu = nil // not a condition variable wait
		w.lType = lType
		w.cond = cond
		w.condComparable = comparable
		atomic.StoreUint32(&w.nw.waiting, 1)
		removeCount := atomic.LoadUint32(&w.removeCount)

		// Acquire the spinlock.
		oldWord := spinTestAndSet(&mu.word, muSpinlock, muSpinlock|muWaiting|hasCondition, muAllFalse)
		hadWaiters := (oldWord & (muDesigWaker | muWaiting)) == muWaiting

		// Queue the waiter.  The first wait goes to the end of the
		// queue; later waits go to the front.
		if firstWait {
			maybeMergeConditions(mu.waiters.last, &w.nw.q)
			mu.waiters.makeLast(&w.nw.q)
			firstWait = false
		} else {
			maybeMergeConditions(&w.nw.q, mu.waiters.first())
			mu.waiters.makeFirst(&w.nw.q)
		}

		// Release the spinlock and *mu.  If that frees *mu and there
		// are waiters but no designated waker, keep *mu and let
		// unlockSlow() release it and choose whom to wake.
		var addToAcquire uint32
		for {
			oldWord = atomic.LoadUint32(&mu.word)
			addToAcquire = lType.addToAcquire
			if ((oldWord-lType.addToAcquire)&muAnyLock) == 0 && hadWaiters {
				addToAcquire = 0
			}
			if atomic.CompareAndSwapUint32(&mu.word, oldWord, (oldWord-addToAcquire)&^muSpinlock) { // release CAS
				break
			}
		}
		if addToAcquire == 0 {
			mu.unlockSlow(lType)
		}

		// Wait until awoken or a timeout.
		semOutcome := OK
		var attempts uint
		haveLock := false
		for atomic.LoadUint32(&w.nw.waiting) != 0 { // acquire load
			if semOutcome == OK {
				semOutcome = semWaitWithCancel(w, absDeadline, cancelNote)
				if semOutcome != OK && atomic.LoadUint32(&w.nw.waiting) != 0 {
					// A timeout or cancellation occurred, and
					// no wakeup.  Acquire the spinlock and *mu,
					// and confirm.
					haveLock = mu.tryAcquireAfterTimeoutOrCancel(lType, w, removeCount)
					if haveLock {
						outcome = semOutcome
					}
				}
			}
			if atomic.LoadUint32(&w.nw.waiting) != 0 {
				attempts = spinDelay(attempts) // so we will ultimately yield to scheduler.
			}
		}

		if !haveLock {
			// Woken, or the timeout raced with a wakeup; this
			// thread is now the designated waker.
			mu.lockSlow(w, muDesigWaker, lType)
		}
		conditionIsTrue = cond == nil || cond.Eval()
	}
	if w != nil {
		freeWaiter(w)
	}
	if conditionIsTrue {
		outcome = OK // condition is true trumps other outcomes.
	}
	return outcome
}

// tryAcquireAfterTimeoutOrCancel() is called by a thread whose wait in
// WaitWithDeadline() expired or was cancelled while its waiter *w may still
// be on the queue of *mu.  It acquires the spinlock and *mu in write mode.
// If *w is still queued (it was not removed since removeCount was sampled),
// it removes *w, leaves *mu held in mode lType, and returns true.  Otherwise,
// some thread is about to wake *w; it releases *mu and returns false.
func (mu *Mu) tryAcquireAfterTimeoutOrCancel(lType *lockType, w *waiter, removeCount uint32) bool {
	var attempts uint
	oldWord := atomic.LoadUint32(&mu.word)
	// Spin until we can acquire the spinlock and a writer lock on *mu.
	for (oldWord&(writerType.zeroToAcquire|muSpinlock)) != 0 ||
		!atomic.CompareAndSwapUint32(&mu.word, oldWord,
			(oldWord+muWLock+muSpinlock)&^(muAllFalse|writerType.clearOnAcquire)) { // acquire CAS
		// Failed to acquire.  If we can, set muWriterWaiting to
		// avoid being starved by readers; failures are ignored.
		if (oldWord & (muWriterWaiting | muSpinlock)) == 0 {
			atomic.CompareAndSwapUint32(&mu.word, oldWord, oldWord|muWriterWaiting)
		}
		attempts = spinDelay(attempts)
		oldWord = atomic.LoadUint32(&mu.word)
	}
	// Check that w wasn't removed from the queue after our caller
	// checked, but before we acquired the spinlock.  The check of
	// removeCount confirms that *w is still governed by *mu's spinlock;
	// otherwise, some other thread is about to set w.nw.waiting==0.
	if atomic.LoadUint32(&w.nw.waiting) != 0 && removeCount == atomic.LoadUint32(&w.removeCount) {
		removeFromMuQueue(&mu.waiters, &w.nw.q)
		atomic.StoreUint32(&w.nw.waiting, 0)
		if mu.waiters.isEmpty() {
			oldWord &^= muWaiting | muWriterWaiting | muCondition | muAllFalse
		}
		// Release the spinlock, holding *mu in mode lType.
		atomic.StoreUint32(&mu.word, oldWord+lType.addToAcquire) // release store
		return true
	}
	// Release the spinlock and *mu.
	atomic.StoreUint32(&mu.word, oldWord) // release store
	return false
}

// UnlockWithoutWakeup() is like Unlock(), but does not wake waiters whose
// conditions may have become true.  It may be used only when the critical
// section could not have made any waiter's condition true; it then avoids
// evaluating conditions.  Waiters without conditions are still woken.
func (mu *Mu) UnlockWithoutWakeup() {
	if !atomic.CompareAndSwapUint32(&mu.word, muWLock, 0) { // release CAS
		oldWord := atomic.LoadUint32(&mu.word)
		newWord := oldWord - muWLock
		if (newWord & (muRLockField | muWLock)) != 0 {
			if (oldWord & muRLockField) != 0 {
				nsyncPanic("attempt to Unlock an nsync.Mu held in read mode")
			} else {
				nsyncPanic("attempt to Unlock an nsync.Mu not held in write mode")
			}
		} else if (oldWord&(muWaiting|muDesigWaker|muAllFalse)) == muWaiting ||
			!atomic.CompareAndSwapUint32(&mu.word, oldWord, newWord) { // release CAS
			mu.unlockSlow(writerType)
		}
	}
}

// RUnlockWithoutWakeup() is the read-mode analogue of UnlockWithoutWakeup().
func (mu *Mu) RUnlockWithoutWakeup() {
	if !atomic.CompareAndSwapUint32(&mu.word, muRLock, 0) { // release CAS
		oldWord := atomic.LoadUint32(&mu.word)
		if (oldWord & muWLock) != 0 {
			nsyncPanic("attempt to RUnlock an nsync.Mu held in write mode")
		} else if (oldWord & muRLockField) == 0 {
			nsyncPanic("attempt to RUnlock an nsync.Mu not held in read mode")
		} else if (oldWord&(muWaiting|muDesigWaker|muAllFalse)) == muWaiting &&
			(oldWord&muRLockField) == muRLock {
			mu.unlockSlow(readerType)
		} else if !atomic.CompareAndSwapUint32(&mu.word, oldWord, oldWord-muRLock) { // release CAS
			mu.unlockSlow(readerType)
		}
	}
}

// semWaitWithCancel() waits on w.sem until it is signalled, absDeadline
// passes, or cancelNote (if non-nil) is notified.  It returns OK, Expired or
// Cancelled respectively.  While waiting, w.noteNW is queued on cancelNote.
func semWaitWithCancel(w *waiter, absDeadline time.Time, cancelNote *Note) int {
	if cancelNote == nil {
		return w.sem.PWithDeadline(w.deadlineTimer, absDeadline)
	}
	cancelTime := cancelNote.notifiedDeadline()
	if isReady(cancelTime) {
		return Cancelled
	}
	semOutcome := Cancelled
	nw := &w.noteNW
	cancelNote.mu.Lock()
	cancelTime = cancelNote.notifiedTime()
	if !isReady(cancelTime) {
		cancelNote.waiters.PushBack(nw)
		localDeadline := cancelTime
		deadlineIsNearer := false
		if absDeadline.Before(cancelTime) {
			localDeadline = absDeadline
			deadlineIsNearer = true
		}
		cancelNote.mu.Unlock()
		semOutcome = w.sem.PWithDeadline(w.deadlineTimer, localDeadline)
		if semOutcome == Expired && !deadlineIsNearer {
			// The note's own deadline passed.
			semOutcome = Cancelled
			cancelNote.Notify()
		}
		cancelNote.mu.Lock()
		if !isReady(cancelNote.notifiedTime()) {
			cancelNote.waiters.Remove(nw)
		}
	}
	cancelNote.mu.Unlock()
	return semOutcome
}
