// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "sync/atomic"
import "time"

// A Note is a one-shot notification: it starts unnotified, and becomes
// notified either when Notify() is called, or when its expiry time passes.
// Once notified, it stays notified.
//
// Notes form a tree.  A Note created with a parent is notified no later than
// its parent: its expiry time is the earlier of its own deadline and its
// parent's, and notifying a Note notifies all its descendants.  This makes a
// Note a suitable cancellation token for a tree of activities, each of which
// may impose a tighter deadline on its subactivities.
//
// A Note may be passed as the cancelNote argument of Mu.WaitWithDeadline()
// and CV.WaitWithDeadline(), and is a Waitable, so it may be waited for with
// WaitN().
//
// Example:
//      parent := nsync.NewNote(nil, time.Now().Add(10*time.Second))
//      child := nsync.NewNote(parent, time.Now().Add(time.Second))
//      go worker(child)  // worker gives up when child.IsNotified()
//      ...
//      parent.Notify()   // also notifies child
type Note struct {
	mu              Mu            // protects the fields below, except reads of notified.
	notified        uint32        // non-zero once notified; written under mu, read atomically.
	expiryTime      time.Time     // the Note is notified when this time passes.
	disconnecting   int           // non-zero while the Note is detaching from its parent.
	parent          *Note         // nil, or the Note whose notification notifies this one.
	parentChildLink dllElem[Note] // linkage in parent.children.
	children        dllList[Note] // children not yet detached.
	waiters         WaiterList    // Waiters to wake when notified.
}

// NewNote() returns a new Note that is notified when absDeadline passes, when
// parent (if non-nil) is notified, or when Notify() is called.  Use
// absDeadline==NoDeadline for no deadline.
func NewNote(parent *Note, absDeadline time.Time) *Note {
	n := &Note{expiryTime: absDeadline}
	n.parentChildLink.init(n)
	if !n.IsNotified() && parent != nil {
		parent.mu.Lock()
		parentTime := parent.notifiedTime()
		if parentTime.Before(absDeadline) {
			n.expiryTime = parentTime
		}
		if !isReady(parentTime) {
			n.parent = parent
			parent.children.makeLast(&n.parentChildLink)
		}
		parent.mu.Unlock()
	}
	return n
}

// notifiedTime() returns the time at which *n will be notified: zeroTime if
// it has been notified, or otherwise its expiry time.  Requires n.mu.
func (n *Note) notifiedTime() time.Time {
	if atomic.LoadUint32(&n.notified) != 0 { // acquire load
		return zeroTime
	}
	return n.expiryTime
}

// notifiedDeadline() is like notifiedTime(), but notifies *n if its expiry
// time has passed.  Requires that n.mu not be held.
func (n *Note) notifiedDeadline() time.Time {
	if atomic.LoadUint32(&n.notified) != 0 { // acquire load
		return zeroTime
	}
	n.mu.Lock()
	ntime := n.notifiedTime()
	n.mu.Unlock()
	if !isReady(ntime) && !ntime.After(time.Now()) {
		n.Notify()
		ntime = zeroTime
	}
	return ntime
}

// noChildren is a Condition that is true when n has no children.
type noChildren struct {
	n *Note
}

func (c noChildren) Eval() bool {
	return c.n.children.isEmpty()
}

// lockParent() acquires the Mu of n.parent, if any, as well as n.mu, and
// returns the parent.  Lock order is parent before child, so if the parent
// cannot be acquired immediately, n.mu is released and both are reacquired
// in order.  Requires n.mu and n.disconnecting>0, which keeps n.parent from
// changing while n.mu is released.
func (n *Note) lockParent() *Note {
	parent := n.parent
	if parent != nil && !parent.mu.TryLock() {
		n.mu.Unlock()
		parent.mu.Lock()
		n.mu.Lock()
	}
	return parent
}

// detach() removes *n from the children of parent, and releases parent.mu.
// Requires n.mu and parent.mu.
func (n *Note) detach(parent *Note) {
	if parent != nil {
		parent.children.remove(&n.parentChildLink)
		n.parent = nil
		parent.mu.Unlock()
	}
}

// notifyChild() marks *n as notified, wakes its waiters, and notifies its
// children that are not detaching.  It returns once every child has detached.
// Requires n.mu.
func (n *Note) notifyChild() {
	atomic.StoreUint32(&n.notified, 1) // release store
	n.waiters.WakeAll()
	var next *dllElem[Note]
	for p := n.children.first(); p != nil; p = next {
		next = n.children.next(p)
		child := p.elem
		child.mu.Lock()
		if child.disconnecting == 0 {
			child.notifyChild()
			n.children.remove(&child.parentChildLink)
			child.parent = nil
		}
		child.mu.Unlock()
	}
	// Children that were detaching remove themselves.
	n.mu.Wait(noChildren{n})
}

// Notify() notifies *n, its descendants, and every thread waiting on them.
// It has no effect if *n is already notified.
func (n *Note) Notify() {
	n.mu.Lock()
	if atomic.LoadUint32(&n.notified) == 0 { // acquire load
		n.disconnecting++
		parent := n.lockParent()
		n.notifyChild()
		n.detach(parent)
		n.disconnecting--
	}
	n.mu.Unlock()
}

// IsNotified() returns whether *n has been notified.  It notifies *n if its
// expiry time has passed.
func (n *Note) IsNotified() bool {
	return isReady(n.notifiedDeadline())
}

// Wait() waits until *n is notified or absDeadline passes, and returns
// whether *n is notified.
func (n *Note) Wait(absDeadline time.Time) bool {
	return WaitN(nil, absDeadline, n) == 0
}

// ExpiryTime() returns the time at which *n will be notified if Notify() is
// not called first.  It takes account of the parent's expiry at creation.
func (n *Note) ExpiryTime() time.Time {
	n.mu.Lock()
	t := n.expiryTime
	n.mu.Unlock()
	return t
}

// Free() detaches *n from the tree.  Its children that are not themselves
// detaching are adopted by *n's parent, or become roots if *n has no parent.
// No thread may be waiting on *n, and *n must not be used afterwards.
func (n *Note) Free() {
	n.mu.Lock()
	n.disconnecting++
	if !n.waiters.IsEmpty() {
		nsyncPanic("Note.Free() called on a Note with waiters")
	}
	parent := n.lockParent()
	var next *dllElem[Note]
	for p := n.children.first(); p != nil; p = next {
		next = n.children.next(p)
		child := p.elem
		child.mu.Lock()
		if child.disconnecting == 0 {
			n.children.remove(&child.parentChildLink)
			if parent != nil && atomic.LoadUint32(&parent.notified) == 0 {
				child.parent = parent
				parent.children.makeLast(&child.parentChildLink)
			} else {
				// A notified parent no longer notifies its children.
				if parent != nil {
					child.notifyChild()
				}
				child.parent = nil
			}
		}
		child.mu.Unlock()
	}
	n.mu.Wait(noChildren{n})
	n.detach(parent)
	n.disconnecting--
	n.mu.Unlock()
}

// ------------------------------------------

// ReadyTime() is part of the Waitable interface.
func (n *Note) ReadyTime(nw *Waiter) time.Time {
	return n.notifiedDeadline()
}

// Enqueue() is part of the Waitable interface.
func (n *Note) Enqueue(nw *Waiter) time.Time {
	n.mu.Lock()
	ntime := n.notifiedTime()
	if !isReady(ntime) {
		n.waiters.PushBack(nw)
	} else {
		atomic.StoreUint32(&nw.waiting, 0)
	}
	n.mu.Unlock()
	return ntime
}

// Dequeue() is part of the Waitable interface.
func (n *Note) Dequeue(nw *Waiter) time.Time {
	n.notifiedDeadline()
	n.mu.Lock()
	ntime := n.notifiedTime()
	if !isReady(ntime) {
		n.waiters.Remove(nw)
	}
	n.mu.Unlock()
	return ntime
}
